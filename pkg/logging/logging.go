// Package logging wraps zerolog with the per-component, per-tick logger
// shape this simulator's components expect: each component holds its own
// logger (never a package global), tagged with its name, and refreshes
// the tick field once per tick() call.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is a component-scoped zerolog.Logger with a tick counter baked
// into its context.
type Logger struct {
	base zerolog.Logger
	tick int64
}

// New creates a component logger writing to w at the given level.
func New(component string, level zerolog.Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	base := zerolog.New(w).With().Timestamp().Str("component", component).Logger().Level(level)
	return &Logger{base: base}
}

// Default returns a Logger at InfoLevel writing to stderr, for components
// constructed without an explicit logging configuration (tests, examples).
func Default(component string) *Logger {
	return New(component, zerolog.InfoLevel, os.Stderr)
}

// Tick advances the logger's tick counter; subsequent log lines carry it.
func (l *Logger) Tick(t int64) { l.tick = t }

func (l *Logger) event(e *zerolog.Event) *zerolog.Event {
	return e.Int64("tick", l.tick)
}

func (l *Logger) Debug() *zerolog.Event { return l.event(l.base.Debug()) }
func (l *Logger) Info() *zerolog.Event  { return l.event(l.base.Info()) }
func (l *Logger) Warn() *zerolog.Event  { return l.event(l.base.Warn()) }
func (l *Logger) Error() *zerolog.Event { return l.event(l.base.Error()) }

// LevelFromVerbosity maps a -v repeat count (as emitted by pflag.CountVarP)
// to a zerolog level: 0 => Warn, 1 => Info, 2+ => Debug.
func LevelFromVerbosity(v int) zerolog.Level {
	switch {
	case v <= 0:
		return zerolog.WarnLevel
	case v == 1:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
