package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RequestTypeImageGeneration is the only request type the pipeline records today.
const RequestTypeImageGeneration = "image_generation"

// Record is one append-only usage_records row. Failed requests are stored
// with zero tokens and cost so they count towards abuse detection.
type Record struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	TokensUsed   int             `json:"tokens_used"`
	Cost         decimal.Decimal `json:"cost"`
	RequestType  string          `json:"request_type"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"error_message,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// WindowStats aggregates one identity's records inside the abuse window.
type WindowStats struct {
	Requests            int
	Tokens              int
	ConsecutiveFailures int
}

// UserStats is the per-user aggregate shown on the admin surface.
type UserStats struct {
	UserID             string          `json:"user_id"`
	Since              time.Time       `json:"since"`
	TotalRequests      int             `json:"total_requests"`
	SuccessfulRequests int             `json:"successful_requests"`
	FailedRequests     int             `json:"failed_requests"`
	TotalTokens        int             `json:"total_tokens"`
	TotalCost          decimal.Decimal `json:"total_cost"`
	LastRequestAt      *time.Time      `json:"last_request_at,omitempty"`
}

// TokenTotals are one user's successful token sums since the start of the
// current day and month.
type TokenTotals struct {
	Day   int
	Month int
}

// LeadingFailures counts failures from the newest record backwards until a
// success is met. successes must be ordered newest first.
func LeadingFailures(successes []bool) int {
	n := 0
	for _, ok := range successes {
		if ok {
			break
		}
		n++
	}
	return n
}
