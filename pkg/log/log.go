package log

import (
	"context"
	"log/slog"
	"os"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// ForComponent returns the default logger tagged with a component attribute.
func ForComponent(name string) *slog.Logger {
	return defaultLogger.With(slog.String("component", name))
}

// Error wraps an error as a slog attribute with a consistent key.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}
