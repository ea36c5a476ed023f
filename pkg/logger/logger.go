package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// New builds a zerolog logger. Unknown levels fall back to info.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Global logger instance
var GlobalLogger = New(Options{})

// SetGlobal replaces the logger used by the package-level helpers.
func SetGlobal(l zerolog.Logger) {
	GlobalLogger = l
}

// Convenience functions
func Info(format string, v ...interface{}) {
	GlobalLogger.Info().Msgf(format, v...)
}

func Error(format string, v ...interface{}) {
	GlobalLogger.Error().Msgf(format, v...)
}

func Debug(format string, v ...interface{}) {
	GlobalLogger.Debug().Msgf(format, v...)
}

func Fatal(format string, v ...interface{}) {
	GlobalLogger.Error().Msgf(format, v...)
	os.Exit(1)
}
