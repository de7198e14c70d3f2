package logging

import (
	"context"
)

type contextKey int

const (
	connIDKey contextKey = iota
	loggerKey
)

// WithConnIDCtx returns a new context carrying the connection id.
func WithConnIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ConnIDFromCtx extracts the connection id from the context.
func ConnIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(connIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromCtx returns the logger from context, or nil if not set.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// FromCtx returns the logger stored in ctx. Without one it derives a logger
// from the global logger, tagged with the context's connection id if any.
func FromCtx(ctx context.Context) *Logger {
	if l := LoggerFromCtx(ctx); l != nil {
		return l
	}
	l := Global()
	if id := ConnIDFromCtx(ctx); id != "" {
		l = l.WithConnID(id)
	}
	return l
}
