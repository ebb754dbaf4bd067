// Package util provides low-level helpers shared by all other packages.
package util

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Logger writes levelled messages through zerolog's console writer.
// It keeps printf-style call sites while zerolog handles timestamps,
// colouring, and level filtering.  A nil *Logger is a valid no-op
// receiver, so components never need to nil-check.
type Logger struct {
	zl    zerolog.Logger
	level LogLevel
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	return NewLoggerTo(os.Stderr, verbosity)
}

// NewLoggerTo is NewLogger with an explicit output writer (tests).
func NewLoggerTo(w io.Writer, verbosity int) *Logger {
	level := LogLevel(verbosity)

	zlevel := zerolog.ErrorLevel
	switch {
	case level >= LogDebug:
		zlevel = zerolog.TraceLevel
	case level >= LogVerbose:
		zlevel = zerolog.DebugLevel
	case level >= LogNormal:
		zlevel = zerolog.InfoLevel
	}

	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	zl := zerolog.New(cw).Level(zlevel).With().Timestamp().Logger()
	return &Logger{zl: zl, level: level}
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel {
	if l == nil {
		return LogQuiet
	}
	return l.level
}

// Error always prints regardless of verbosity.
func (l *Logger) Error(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Error().Msgf(format, args...)
}

// Warn prints when verbosity ≥ 1.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Warn().Msgf(format, args...)
}

// Info prints when verbosity ≥ 1.
func (l *Logger) Info(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Info().Msgf(format, args...)
}

// Verbose prints when verbosity ≥ 2.
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Debug().Msgf(format, args...)
}

// Debug prints when verbosity ≥ 3.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Trace().Msgf(format, args...)
}
