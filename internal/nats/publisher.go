package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const publishRetries = 3

// Publisher sends usage and audit events to the events stream.
type Publisher struct {
	js    jetstream.JetStream
	newID func() string
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js, newID: uuid.NewString}
}

// PublishUsageEvent is called after every charged generation.
func (p *Publisher) PublishUsageEvent(ctx context.Context, event UsageEvent) error {
	return p.publish(ctx, SubjectUsageEvent, event)
}

// PublishAuditEvent hands the event to the audit consumer, which persists it.
func (p *Publisher) PublishAuditEvent(ctx context.Context, event AuditEvent) error {
	return p.publish(ctx, SubjectAuditEvent, event)
}

// publish retries transient failures with a fixed message id so the stream
// keeps at most one copy.
func (p *Publisher) publish(ctx context.Context, subject string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", subject, err)
	}
	if _, err := p.js.Publish(ctx, subject, payload,
		jetstream.WithMsgID(p.newID()),
		jetstream.WithRetryAttempts(publishRetries),
	); err != nil {
		return fmt.Errorf("publishing %s event: %w", subject, err)
	}
	return nil
}
