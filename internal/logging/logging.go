// Package logging constructs the single zerolog.Logger threaded through the
// backend, bus engine, and HTTP handler by constructor injection.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls level and output encoding.
type Config struct {
	Level  string
	Format Format
}

// New builds a logger. An unrecognized Level falls back to info rather than
// failing startup over a typo'd env var.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "messagebus").
		Logger()
}
