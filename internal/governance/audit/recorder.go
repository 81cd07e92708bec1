package audit

import (
	"context"
	"log/slog"
	"time"

	inats "github.com/dripcheck/dripcheck/internal/nats"
)

// EventPublisher is the subset of the NATS publisher the Recorder needs.
type EventPublisher interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

// Store persists audit rows directly.
type Store interface {
	Insert(ctx context.Context, log *AuditLog) error
}

// Recorder writes audit events. When NATS is configured events go through
// the stream and the Consumer persists them; otherwise, or when publishing
// fails, they are inserted directly.
type Recorder struct {
	publisher EventPublisher
	store     Store
	now       func() time.Time
}

// NewRecorder creates a Recorder. publisher may be nil.
func NewRecorder(publisher EventPublisher, store Store) *Recorder {
	return &Recorder{publisher: publisher, store: store, now: time.Now}
}

// Record never fails the caller: audit is best-effort.
func (r *Recorder) Record(ctx context.Context, event inats.AuditEvent) {
	if r == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	if r.publisher != nil {
		err := r.publisher.PublishAuditEvent(ctx, event)
		if err == nil {
			return
		}
		slog.Warn("audit: publishing event, falling back to direct insert",
			"error", err, "event_type", event.EventType)
	}

	if r.store == nil {
		return
	}
	if err := r.store.Insert(ctx, EventToLog(event)); err != nil {
		slog.Error("audit: inserting event", "error", err, "event_type", event.EventType)
	}
}
