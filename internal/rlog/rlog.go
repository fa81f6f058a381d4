// Package rlog wraps logrus into the request-scoped structured logger used
// across every connection engine and the pipeline: a single constructed
// logger instance threaded down through constructors, never a
// package-level global.
package rlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Logger. Request-scoped fields are attached via
// With, which returns a *logrus.Entry satisfying the same logging methods.
type Logger struct {
	*logrus.Logger
}

// Config selects the logger's format and level.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// New builds a Logger per cfg. An unrecognized Level falls back to Info; an
// unrecognized Format falls back to text, matching logrus's own defaults.
func New(cfg Config) *Logger {
	l := logrus.New()

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &Logger{Logger: l}
}

// RequestFields is the canonical set of fields attached to every
// request-scoped log line.
type RequestFields struct {
	RequestID  string
	Remote     string
	Method     string
	Path       string
	Status     int
	DurationMS int64
}

// WithRequest returns a logrus.Entry carrying the canonical request fields.
func (l *Logger) WithRequest(f RequestFields) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"request_id":  f.RequestID,
		"remote":      f.Remote,
		"method":      f.Method,
		"path":        f.Path,
		"status":      f.Status,
		"duration_ms": f.DurationMS,
	})
}
