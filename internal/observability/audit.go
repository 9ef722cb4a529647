package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/harun/chatstate/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ConversationChange is an audited change made to a conversation outside
// the normal append path, such as a head override or a settings
// replacement.
type ConversationChange struct {
	ConversationID string
	Action         string
	Status         string
	Details        map[string]interface{}
}

// AuditLog writes conversation changes as JSON lines.
type AuditLog struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer io.Closer
}

var (
	auditMu  sync.RWMutex
	auditLog = newAuditLog(os.Stderr, nil)
)

func newAuditLog(w io.Writer, closer io.Closer) *AuditLog {
	return &AuditLog{out: zerolog.New(w).With().Timestamp().Logger(), closer: closer}
}

// GetAuditLogger returns the process audit log.
func GetAuditLogger() *AuditLog {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditLog
}

// InitAuditLogger appends audit lines to the file at path.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	SetAuditOutput(file, file)
	return nil
}

// SetAuditOutput sends audit lines to w and closes the previous output.
// closer may be nil.
func SetAuditOutput(w io.Writer, closer io.Closer) {
	auditMu.Lock()
	previous := auditLog
	auditLog = newAuditLog(w, closer)
	auditMu.Unlock()
	_ = previous.Close()
}

// Record writes change and adds it as an event on the active span.
func (a *AuditLog) Record(ctx context.Context, change ConversationChange) {
	fields := tracing.FieldsFrom(ctx)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("audit."+change.Action, trace.WithAttributes(
			attribute.String("conversation_id", change.ConversationID),
			attribute.String("status", change.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	line := a.out.Log().
		Str("type", "conversation").
		Str("conversation_id", change.ConversationID).
		Str("action", change.Action).
		Str("status", change.Status)
	if fields.TraceID != "" {
		line = line.Str("trace_id", fields.TraceID)
	}
	if fields.RequestID != "" {
		line = line.Str("request_id", fields.RequestID)
	}
	if len(change.Details) > 0 {
		line = line.Interface("metadata", change.Details)
	}
	line.Send()
}

// Close closes the underlying file, if any. Later calls are no-ops.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	closer := a.closer
	a.closer = nil
	if closer == nil {
		return nil
	}
	return closer.Close()
}

// RecordConversationAudit records an administrative action on a conversation.
func RecordConversationAudit(ctx context.Context, conversationID, action, status string, details map[string]interface{}) {
	GetAuditLogger().Record(ctx, ConversationChange{
		ConversationID: conversationID,
		Action:         action,
		Status:         status,
		Details:        details,
	})
}
