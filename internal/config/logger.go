package config

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
)

// GetLogger builds the process logger from LOG_LEVEL and LOG_FORMAT on first
// use. LOG_FORMAT=console gives human-readable output for an operator's
// terminal; anything else is JSON.
func GetLogger() zerolog.Logger {
	loggerOnce.Do(func() {
		logger = NewLogger(os.Stderr, getenv("LOG_LEVEL", "info"), getenv("LOG_FORMAT", "json"))
	})
	return logger
}

func NewLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "roster-reconciler").Logger()
}
