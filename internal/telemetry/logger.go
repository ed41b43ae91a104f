// Package telemetry provides observability for the appforge engine.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const sessionIDKey contextKey = "session_id"

// NewLogger creates a structured JSON logger with default fields.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// WithSessionID adds a session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID retrieves the session ID from context.
func SessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

// SessionLogger returns a logger with session-scoped fields.
func SessionLogger(logger *slog.Logger, ctx context.Context, component string) *slog.Logger {
	attrs := []any{
		slog.String("component", component),
	}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	return logger.With(attrs...)
}
