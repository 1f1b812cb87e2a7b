// Package xlog provides the structured logger shared by every layer of
// the container library. It wraps github.com/phuslu/log the same way
// the kiwi teacher wrapped a no-op callback in its Options.Log field,
// except every call site gets real leveled, structured output instead
// of a discarded closure.
package xlog

import (
	"os"

	"github.com/phuslu/log"
)

// Logger is the logging surface every package in this module accepts.
// It is small on purpose: callers configure a *log.Logger however they
// like (level, writer, sampling) and pass it in; nothing here owns
// process-wide logging state.
type Logger struct {
	l *log.Logger
}

// Default returns a logger writing to stderr at Warn level. New(nil)
// and method calls on a nil *Logger fall back to it; the containers
// themselves skip logging when constructed without a Logger.
func Default() *Logger {
	return &Logger{l: &log.Logger{
		Level:  log.WarnLevel,
		Writer: &log.ConsoleWriter{Writer: os.Stderr},
	}}
}

// New wraps an already-configured phuslu/log.Logger.
func New(l *log.Logger) *Logger {
	if l == nil {
		return Default()
	}
	return &Logger{l: l}
}

func (lg *Logger) ctx() *Logger {
	if lg == nil {
		return Default()
	}
	return lg
}

// Debugf logs at debug level; used for per-request / per-page-fault
// tracing that would be too noisy at Warn.
func (lg *Logger) Debugf(format string, args ...interface{}) {
	lg.ctx().l.Debug().Msgf(format, args...)
}

// Warnf logs at warn level; used for recoverable conditions (dirty
// eviction forced, cache-line pressure retried).
func (lg *Logger) Warnf(format string, args ...interface{}) {
	lg.ctx().l.Warn().Msgf(format, args...)
}

// Errorf logs at error level; used just before an error is returned to
// the caller from a place where swallowing it (destructors) would
// otherwise lose the diagnostic entirely.
func (lg *Logger) Errorf(format string, args ...interface{}) {
	lg.ctx().l.Error().Msgf(format, args...)
}
