// Package logging configures the global zerolog logger from the [logging]
// config section.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config mirrors the [logging] section.
type Config struct {
	Enabled bool
	Format  string // "json" or "console"
	Level   string // debug, info, warn, error
}

// Setup installs the global logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	if !cfg.Enabled {
		logger := zerolog.Nop()
		log.Logger = logger
		return logger
	}

	var out io.Writer = os.Stderr
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	logger := zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
