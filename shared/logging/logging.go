// Package logging builds the slog logger shared by every service.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls log output. Embedded in each service's Config.
type Config struct {
	Level     slog.Level `env:"LOG_LEVEL" envDefault:"info"`
	Format    string     `env:"LOG_FORMAT" envDefault:"text"` // "text" or "json"
	AddSource bool       `env:"LOG_ADD_SOURCE" envDefault:"false"`
}

// New returns a logger writing to stderr, tagged with the service name.
func New(cfg Config, service string) *slog.Logger {
	return newLogger(os.Stderr, cfg).With(slog.String("service", service))
}

func newLogger(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
