package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, "listen:\n  address: 127.0.0.1\n  port: 9090\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Body.MaxBytes != 10*1024*1024 {
		t.Fatalf("expected default max body bytes, got %d", cfg.Body.MaxBytes)
	}
	if cfg.RateLimit.RPS != 10.0 {
		t.Fatalf("expected default rps, got %v", cfg.RateLimit.RPS)
	}
}

func TestLoadRejectsMissingListenPort(t *testing.T) {
	path := writeTestConfig(t, "listen:\n  address: 127.0.0.1\n  port: 0\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation failure for port 0")
	}
}

func TestLoadRejectsTLSEnabledWithoutCertFile(t *testing.T) {
	path := writeTestConfig(t, "listen:\n  address: 127.0.0.1\n  port: 443\ntls:\n  enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation failure for TLS enabled without cert_file")
	}
}
