// Package logging configures the process-wide zerolog setup and hands out
// per-component child loggers.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the global logger.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // "json" or "console"
}

// Setup installs the global logger. Call once from main before any
// component logger is created.
func Setup(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(cfg.Format, "console") {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "", "info":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}
