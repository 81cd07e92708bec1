package nats

import "time"

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// StreamEvents holds every DripCheck event; usage and audit are filtered by subject.
const StreamEvents = "DRIPCHECK_EVENTS"

// Subject constants.
const (
	SubjectEventsAll  = "dripcheck.events.>"
	SubjectUsageEvent = "dripcheck.events.usage"
	SubjectAuditEvent = "dripcheck.events.audit"
)

// UsageEvent is published after every successful generation.
type UsageEvent struct {
	UserID       string    `json:"user_id"`
	TokensUsed   int       `json:"tokens_used"`
	Cost         string    `json:"cost"`
	DailyUsage   int       `json:"daily_usage"`
	MonthlyUsage int       `json:"monthly_usage"`
	DailyCost    string    `json:"daily_cost"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AuditEvent is published for operator actions and safety signals
// (emergency stop, limit changes, usage alerts).
type AuditEvent struct {
	Actor        string    `json:"actor"`
	EventType    string    `json:"event_type"`
	Severity     string    `json:"severity"` // info, warn, error
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      string    `json:"details"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
