package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Fields are the request-scoped identifiers carried through a context and
// attached to log lines.
type Fields struct {
	TraceID        string
	ConversationID string
	CycleID        string
	RequestID      string
}

type fieldsKey struct{}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// FieldsFrom returns the fields carried by ctx. Without an explicit trace
// id, the id of the active OpenTelemetry span is used.
func FieldsFrom(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	if f.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			f.TraceID = sc.TraceID().String()
		}
	}
	return f
}

func with(ctx context.Context, set func(*Fields)) context.Context {
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithTraceID sets the trace id
func WithTraceID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *Fields) { f.TraceID = id })
}

// WithConversationID sets the conversation being served
func WithConversationID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *Fields) { f.ConversationID = id })
}

// WithCycleID sets the open completion cycle
func WithCycleID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *Fields) { f.CycleID = id })
}

// WithRequestID sets the inbound request id
func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *Fields) { f.RequestID = id })
}

// LoggerFromContext adds the non-empty fields of ctx to base.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	f := FieldsFrom(ctx)
	lc := base.With()
	for _, kv := range [...][2]string{
		{"trace_id", f.TraceID},
		{"conversation_id", f.ConversationID},
		{"cycle_id", f.CycleID},
		{"request_id", f.RequestID},
	} {
		if kv[1] != "" {
			lc = lc.Str(kv[0], kv[1])
		}
	}
	return lc.Logger()
}

// Detach keeps the values and span of ctx but drops its cancellation, for
// work that must outlive the request that scheduled it.
func Detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
