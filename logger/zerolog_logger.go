package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

type ZerologLogger struct {
	logger zerolog.Logger
}

type ZerologOptions struct {
	UseColor   bool
	Level      string
	TimeFormat string
	OutputFile string
	Output     io.Writer
	Component  string
}

func NewZerologLogger() Logger {
	return NewZerologLoggerWithOptions(ZerologOptions{
		UseColor:   true,
		Level:      "debug",
		TimeFormat: "15:04:05",
	})
}

// NewZerologLoggerWithOptions builds a zerolog-backed Logger. Output takes
// precedence over OutputFile; with neither set it writes to stdout.
func NewZerologLoggerWithOptions(opts ZerologOptions) Logger {
	out := opts.Output
	if out == nil && opts.OutputFile != "" {
		file, err := os.OpenFile(opts.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			panic(fmt.Sprintf("failed to open log file: %v", err))
		}
		out = file
	}
	if out == nil {
		out = os.Stdout
	}

	if opts.UseColor && opts.Output == nil && opts.OutputFile == "" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: opts.TimeFormat,
		}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if opts.Component != "" {
		ctx = ctx.Str("component", opts.Component)
	}
	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.DebugLevel
	}
	logger = logger.Level(level)

	return &ZerologLogger{
		logger: logger,
	}
}

func (l *ZerologLogger) Debug(msg string, args ...any) {
	l.logger.Debug().Msg(fmt.Sprintf(msg, args...))
}

func (l *ZerologLogger) Info(msg string, args ...any) {
	l.logger.Info().Msg(fmt.Sprintf(msg, args...))
}

func (l *ZerologLogger) Warn(msg string, args ...any) {
	l.logger.Warn().Msg(fmt.Sprintf(msg, args...))
}

func (l *ZerologLogger) Error(msg string, args ...any) {
	l.logger.Error().Msg(fmt.Sprintf(msg, args...))
}
