// Package logging wraps zerolog with the component-scoped loggers the rest
// of the engine uses.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var base = zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

// Init configures the process-wide base logger. Called once from main;
// components created earlier keep the info-level default.
func Init(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	base = zerolog.New(os.Stdout).Level(parseLevel(level)).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
