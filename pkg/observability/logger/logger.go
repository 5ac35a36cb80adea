// Package logger defines the structured logging contract used across runqueue.
package logger

import (
	"context"
)

// Logger is a structured logger. Every log method takes a message followed by
// alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds args to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the run and message ids stored in ctx.
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	runIDKey contextKey = "run_id"
	msgIDKey contextKey = "msg_id"
)

// ContextWithRunID stores the workflow run id for log correlation.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, runID)
}

// ContextWithMsgID stores the queue message id for log correlation.
func ContextWithMsgID(ctx context.Context, msgID string) context.Context {
	if msgID == "" {
		return ctx
	}
	return context.WithValue(ctx, msgIDKey, msgID)
}

// RunIDFromContext returns the run id stored in ctx, if any.
func RunIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, runIDKey)
}

// MsgIDFromContext returns the message id stored in ctx, if any.
func MsgIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, msgIDKey)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}

func contextFields(ctx context.Context) []any {
	var fields []any
	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, "run_id", runID)
	}
	if msgID := MsgIDFromContext(ctx); msgID != "" {
		fields = append(fields, "msg_id", msgID)
	}
	return fields
}
