// Package config loads and validates the server's YAML/ENV configuration:
// a typed struct with `mapstructure` tags loaded via viper.Unmarshal, then
// validated with go-playground/validator struct tags before anything else
// starts.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Listen holds the TCP listener configuration.
type Listen struct {
	Address string `mapstructure:"address" validate:"required"`
	Port    int    `mapstructure:"port" validate:"required,min=1,max=65535"`
}

// TLS holds the keystore configuration.
type TLS struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file" validate:"required_if=Enabled true"`
	KeyFile  string `mapstructure:"key_file" validate:"required_if=Enabled true"`
}

// Features toggles each cross-cutting concern independently.
type Features struct {
	Compression bool `mapstructure:"compression"`
	Cache       bool `mapstructure:"cache"`
	Metrics     bool `mapstructure:"metrics"`
	RateLimit   bool `mapstructure:"rate_limit"`
	Auth        bool `mapstructure:"auth"`
	Vhosts      bool `mapstructure:"vhosts"`
	Routing     bool `mapstructure:"routing"`
	Streaming   bool `mapstructure:"streaming"` // WebSocket upgrades and SSE subscriptions
}

// Body bounds request body size.
type Body struct {
	MaxBytes int64 `mapstructure:"max_bytes" validate:"required,min=1"`
}

// RateLimit configures the token-bucket limiter.
type RateLimit struct {
	RPS       float64  `mapstructure:"rps" validate:"required,gt=0"`
	Burst     int      `mapstructure:"burst" validate:"required,min=1"`
	Whitelist []string `mapstructure:"whitelist"`
}

// Vhosts configures virtual-host webroot mapping.
type Vhosts struct {
	DefaultWebroot string            `mapstructure:"default_webroot" validate:"required"`
	Hosts          map[string]string `mapstructure:"hosts"`
}

// Routing configures the redirect/rewrite rule file.
type Routing struct {
	RulesFile string `mapstructure:"rules_file"`
}

// Auth configures the Basic/API-Key credential store.
type Auth struct {
	BasicUsers map[string]string `mapstructure:"basic_users"` // user -> bcrypt hash
	APIKeys    []string          `mapstructure:"api_keys"`
}

// Log configures internal/rlog.
type Log struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// Config is the fully loaded and validated server configuration.
type Config struct {
	Listen    Listen    `mapstructure:"listen" validate:"required"`
	TLS       TLS       `mapstructure:"tls"`
	Features  Features  `mapstructure:"features"`
	Body      Body      `mapstructure:"body" validate:"required"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Vhosts    Vhosts    `mapstructure:"vhosts" validate:"required"`
	Routing   Routing   `mapstructure:"routing"`
	Auth      Auth      `mapstructure:"auth"`
	Log       Log       `mapstructure:"log"`
}

var validate = validator.New()

// Load reads configuration from path (YAML) with environment variable
// overrides (prefix RAWSERVE_, nested keys joined with "_"), applies
// defaults, and validates the result. A validation failure is returned as a
// startup error — never surfaced at request time.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RAWSERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.address", "0.0.0.0")
	v.SetDefault("listen.port", 8080)
	v.SetDefault("body.max_bytes", 10*1024*1024)
	v.SetDefault("rate_limit.rps", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("features.compression", true)
	v.SetDefault("features.cache", true)
	v.SetDefault("features.metrics", true)
	v.SetDefault("features.rate_limit", true)
	v.SetDefault("features.streaming", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("vhosts.default_webroot", "./public")
}
