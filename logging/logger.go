package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the operational logger. Output goes to w as JSON lines, or
// to a human-readable console format when w is a terminal-bound stream such
// as os.Stderr.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	if f, ok := w.(*os.File); ok && (f == os.Stderr || f == os.Stdout) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: "2006-01-02 15:04:05.000"}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
