package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

type SlogLogger struct {
	logger *slog.Logger
}

type SlogOptions struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

func NewSlogLogger() Logger {
	return NewSlogLoggerWithOptions(SlogOptions{Level: LevelInfo})
}

func NewSlogLoggerWithOptions(opts SlogOptions) Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	levels := map[Level]slog.Level{
		LevelDebug: slog.LevelDebug,
		LevelInfo:  slog.LevelInfo,
		LevelWarn:  slog.LevelWarn,
		LevelError: slog.LevelError,
	}
	handlerOpts := &slog.HandlerOptions{Level: levels[opts.Level]}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(opts.Output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(opts.Output, handlerOpts)
	}

	return &SlogLogger{
		logger: slog.New(handler).With("component", "storagebridge"),
	}
}

func (l *SlogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l *SlogLogger) Info(msg string, args ...any) {
	l.logger.Info(fmt.Sprintf(msg, args...))
}

func (l *SlogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l *SlogLogger) Error(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}
