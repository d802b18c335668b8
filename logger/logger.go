package logger

import "strings"

// Logger is the printf-style logger every bridge component accepts.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level, defaulting to debug.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelDebug
	}
}

type NopLogger struct{}

func NewNopLogger() Logger {
	return NopLogger{}
}

func (NopLogger) Debug(msg string, args ...any) {}
func (NopLogger) Info(msg string, args ...any)  {}
func (NopLogger) Warn(msg string, args ...any)  {}
func (NopLogger) Error(msg string, args ...any) {}

// Named prefixes every message with "[name] ".
func Named(l Logger, name string) Logger {
	if l == nil {
		l = NewStdLogger()
	}
	return &namedLogger{inner: l, prefix: "[" + name + "] "}
}

type namedLogger struct {
	inner  Logger
	prefix string
}

func (l *namedLogger) Debug(msg string, args ...any) { l.inner.Debug(l.prefix+msg, args...) }
func (l *namedLogger) Info(msg string, args ...any)  { l.inner.Info(l.prefix+msg, args...) }
func (l *namedLogger) Warn(msg string, args ...any)  { l.inner.Warn(l.prefix+msg, args...) }
func (l *namedLogger) Error(msg string, args ...any) { l.inner.Error(l.prefix+msg, args...) }
