package observability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/lunar/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types.
const (
	AuditTool   = "tool"
	AuditJob    = "job"
	AuditMemory = "memory"
	AuditConfig = "config"
)

// AuditEvent is one line of the audit log: a side effect the agent, a
// scheduled job or an operator performed.
type AuditEvent struct {
	Type         string
	Timestamp    time.Time
	Actor        string // conversation key, job id, person id or "cli"
	Action       string // e.g. "execute:schedule_task", "memory:delete"
	Status       string // "success", "failure"
	Metadata     map[string]interface{}
	TraceID      string
	Conversation string
}

// AuditLogger appends audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the global audit logger. It discards events until
// InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger directs audit events to the file at path, replacing and
// closing any file opened before.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	auditMu.Lock()
	prev := auditInst
	auditInst = &AuditLogger{logger: zerolog.New(file), file: file}
	auditMu.Unlock()

	_ = prev.Close()
	return nil
}

// Record writes event. Trace and conversation ids are taken from ctx when
// the event does not carry them; the active span gets a matching event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Conversation == "" {
		event.Conversation = tracing.GetConversationKey(ctx)
	}

	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		if event.TraceID == "" {
			event.TraceID = sc.TraceID().String()
		}
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		entry = entry.Str("actor", event.Actor)
	}
	if event.Conversation != "" {
		entry = entry.Str("conversation", event.Conversation)
	}
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close closes the audit file. Later events are discarded.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.logger = zerolog.Nop()
	return err
}

func RecordToolAudit(ctx context.Context, toolName, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTool,
		Actor:    actor,
		Action:   "execute:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordJobAudit(ctx context.Context, action, jobID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditJob,
		Actor:    jobID,
		Action:   "job:" + action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordMemoryAudit(ctx context.Context, action, personID string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditMemory,
		Actor:    personID,
		Action:   "memory:" + action,
		Status:   "success",
		Metadata: metadata,
	})
}

func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditConfig,
		Actor:    actor,
		Action:   "config:" + action,
		Status:   "success",
		Metadata: metadata,
	})
}
