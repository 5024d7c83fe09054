package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

func NewLogger(level string) zerolog.Logger {
	return New(level, os.Stdout)
}

// NewConsoleLogger writes human readable output, used by the CLI so log
// lines don't collide with the progress display on stdout.
func NewConsoleLogger(level string) zerolog.Logger {
	return New(level, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

func New(level string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(logLevel)
}
