// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var configureOnce sync.Once

// Configure sets the global level once per process. Later calls are ignored.
func Configure(level string) {
	configureOnce.Do(func() {
		zerolog.SetGlobalLevel(ParseLevel(level))
		zerolog.TimeFieldFormat = time.RFC3339
	})
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// New returns a logger tagged with app that writes to stdout, as JSON or,
// for format "console", as human-readable lines. It also becomes the
// package-level zerolog logger.
func New(app, format string) zerolog.Logger {
	return NewWithWriter(os.Stdout, app, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, app, format string) zerolog.Logger {
	out := w
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	logger := zerolog.New(out).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
