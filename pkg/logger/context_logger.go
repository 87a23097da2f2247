package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	callIDKey
	requestIDKey
)

// WithUserID stores the authenticated user on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey, callID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext returns a logger carrying the trace, user, call and request
// identifiers found on ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("user_id", id))
	}
	if id, ok := ctx.Value(callIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("call_id", id))
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("request_id", id))
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}

// Sugared is WithContext for callers that log with key/value pairs.
func (cl *ContextLogger) Sugared(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, duration int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration),
	)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}
