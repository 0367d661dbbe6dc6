package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type conversationCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if conv := ConversationFromContext(ctx); conv.ID != "" {
		fields = append(fields, zap.String("conversation.id", conv.ID))
		if conv.RunID != "" {
			fields = append(fields, zap.String("workflow.run_id", conv.RunID))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// Conversation identifies the conversation a log line belongs to.
type Conversation struct {
	ID    string
	RunID string
}

// WithConversation adds conversation correlation to context.
func WithConversation(ctx context.Context, id, runID string) context.Context {
	return context.WithValue(ctx, conversationCtxKey{}, Conversation{ID: id, RunID: runID})
}

// ConversationFromContext extracts conversation correlation from context.
func ConversationFromContext(ctx context.Context) Conversation {
	c, _ := ctx.Value(conversationCtxKey{}).(Conversation)
	return c
}

// WithRequestID adds an HTTP request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	r, _ := ctx.Value(requestCtxKey{}).(string)
	return r
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
