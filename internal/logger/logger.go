// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// commandIDKey is the context key for command correlation IDs.
type commandIDKey struct{}

// New creates a new structured JSON logger.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// WithCommandID returns a new context with the given command ID.
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, commandIDKey{}, commandID)
}

// CommandIDFromContext extracts the command ID from the context.
func CommandIDFromContext(ctx context.Context) string {
	if v := ctx.Value(commandIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns a logger with context fields (command ID, etc.)
// attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if cmdID := CommandIDFromContext(ctx); cmdID != "" {
		return base.With("command_id", cmdID)
	}
	return base
}
