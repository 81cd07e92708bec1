package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dripcheck/dripcheck/internal/config"
)

const (
	clientName      = "dripcheck-api"
	maxReconnects   = 10
	reconnectWait   = 2 * time.Second
	defaultMaxAge   = 7 * 24 * time.Hour
	duplicateWindow = 2 * time.Minute
)

// Client holds the NATS connection used for usage and audit events.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient connects to NATS and creates or updates the events stream.
func NewClient(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(clientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("events bus disconnected, audit falls back to postgres", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("events bus reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	stream := eventsStream(cfg.StreamMaxAge)
	if _, err := js.CreateOrUpdateStream(ctx, stream); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring stream %s: %w", stream.Name, err)
	}

	slog.Info("connected to nats", "url", cfg.URL, "stream", stream.Name, "max_age", stream.MaxAge)
	return &Client{conn: nc, js: js}, nil
}

// eventsStream describes the single stream holding usage and audit events.
// The duplicate window lets retried publishes with the same message id land
// once.
func eventsStream(maxAge time.Duration) jetstream.StreamConfig {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return jetstream.StreamConfig{
		Name:        StreamEvents,
		Description: "DripCheck usage and audit events",
		Subjects:    []string{SubjectEventsAll},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      maxAge,
		Duplicates:  duplicateWindow,
	}
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Healthy reports whether the connection is up. Readiness only degrades on
// false; events are optional.
func (c *Client) Healthy() bool {
	return c.conn.IsConnected()
}

// Close drains pending publishes before closing.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("draining nats connection", "error", err)
	}
}
