package logger

import "log"

type StdLogger struct {
	level Level
}

func NewStdLogger() Logger {
	return &StdLogger{level: LevelDebug}
}

func NewStdLoggerWithLevel(level Level) Logger {
	return &StdLogger{level: level}
}

func (l *StdLogger) Debug(msg string, args ...any) {
	if l.level <= LevelDebug {
		log.Printf("[DEBUG] "+msg, args...)
	}
}

func (l *StdLogger) Info(msg string, args ...any) {
	if l.level <= LevelInfo {
		log.Printf("[INFO] "+msg, args...)
	}
}

func (l *StdLogger) Warn(msg string, args ...any) {
	if l.level <= LevelWarn {
		log.Printf("[WARN] "+msg, args...)
	}
}

func (l *StdLogger) Error(msg string, args ...any) {
	log.Printf("[ERROR] "+msg, args...)
}
