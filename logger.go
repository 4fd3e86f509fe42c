package smbdfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger defines the logging interface used by the client. Messages are
// printf-style format strings.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// DefaultLogger writes through a log/slog handler.
type DefaultLogger struct {
	l *slog.Logger
}

// NewDefaultLogger creates a text logger on stderr at the given level
// (DEBUG, INFO, WARN or ERROR; anything else means INFO).
func NewDefaultLogger(level string) *DefaultLogger {
	return newTextLogger(os.Stderr, level)
}

func newTextLogger(w io.Writer, level string) *DefaultLogger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &DefaultLogger{l: slog.New(h).With("component", "smbdfs")}
}

// NewSlogLogger adapts an existing *slog.Logger.
func NewSlogLogger(l *slog.Logger) *DefaultLogger {
	return &DefaultLogger{l: l}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *DefaultLogger) log(level slog.Level, msg string, args []interface{}) {
	ctx := context.Background()
	if !l.l.Enabled(ctx, level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.l.Log(ctx, level, msg)
}

func (l *DefaultLogger) Debug(msg string, args ...interface{}) { l.log(slog.LevelDebug, msg, args) }
func (l *DefaultLogger) Info(msg string, args ...interface{})  { l.log(slog.LevelInfo, msg, args) }
func (l *DefaultLogger) Warn(msg string, args ...interface{})  { l.log(slog.LevelWarn, msg, args) }
func (l *DefaultLogger) Error(msg string, args ...interface{}) { l.log(slog.LevelError, msg, args) }

// NullLogger discards all log messages
type NullLogger struct{}

func (l *NullLogger) Debug(msg string, args ...interface{}) {}
func (l *NullLogger) Info(msg string, args ...interface{})  {}
func (l *NullLogger) Warn(msg string, args ...interface{})  {}
func (l *NullLogger) Error(msg string, args ...interface{}) {}
