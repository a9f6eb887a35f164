package logger

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	callIDKey
	partyIDKey
	traceIDKey
)

// WithSession stores the signaling session id in ctx.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithCall stores the call attempt id in ctx.
func WithCall(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey, callID)
}

// WithParty stores the local party id in ctx.
func WithParty(ctx context.Context, partyID string) context.Context {
	return context.WithValue(ctx, partyIDKey, partyID)
}

// WithTrace stores a trace id in ctx.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext adds the call fields found in ctx to the logger.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}
	for _, f := range []struct {
		key  ctxKey
		name string
	}{
		{sessionIDKey, "session_id"},
		{callIDKey, "call_id"},
		{partyIDKey, "party_id"},
		{traceIDKey, "trace_id"},
	} {
		if v, ok := ctx.Value(f.key).(string); ok && v != "" {
			fields = append(fields, f.name, v)
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogInfo logs info message with context
func (cl *ContextLogger) LogInfo(ctx context.Context, msg string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Infow(msg, keysAndValues...)
}

// LogWarn logs warning message with context
func (cl *ContextLogger) LogWarn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Warnw(msg, keysAndValues...)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, msg string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Errorw(msg, append(keysAndValues, "error", err)...)
}
