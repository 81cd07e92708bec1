package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func TestEventsStream(t *testing.T) {
	cfg := eventsStream(48 * time.Hour)

	assert.Equal(t, StreamEvents, cfg.Name)
	assert.Equal(t, []string{SubjectEventsAll}, cfg.Subjects)
	assert.Equal(t, jetstream.LimitsPolicy, cfg.Retention)
	assert.Equal(t, 48*time.Hour, cfg.MaxAge)
	assert.Equal(t, duplicateWindow, cfg.Duplicates)
}

func TestEventsStream_DefaultMaxAge(t *testing.T) {
	assert.Equal(t, defaultMaxAge, eventsStream(0).MaxAge)
}

func TestSubjectsFallUnderStream(t *testing.T) {
	prefix := SubjectEventsAll[:len(SubjectEventsAll)-1]
	assert.Contains(t, SubjectUsageEvent, prefix)
	assert.Contains(t, SubjectAuditEvent, prefix)
}

func TestDurableConsumer(t *testing.T) {
	cfg := durableConsumer("audit-persister", SubjectAuditEvent)

	assert.Equal(t, "audit-persister", cfg.Durable)
	assert.Equal(t, SubjectAuditEvent, cfg.FilterSubject)
	assert.Equal(t, jetstream.AckExplicitPolicy, cfg.AckPolicy)
	assert.Greater(t, cfg.MaxDeliver, len(cfg.BackOff))
}
