package audit

import (
	"encoding/json"
	"time"
)

// Event types written by the admission pipeline and the admin surface.
const (
	EventEmergencyStop   = "emergency_stop"
	EventEmergencyResume = "emergency_resume"
	EventLimitsUpdated   = "limits_updated"
	EventSettingsUpdated = "settings_updated"
	EventUsageAlert      = "usage_alert"
	EventCostAlert       = "cost_alert"
	EventAbuseDetected   = "abuse_detected"
	EventCouponCreated   = "coupon_created"
	EventCouponRedeemed  = "coupon_redeemed"
	EventAdminLogin      = "admin_login"
)

// Severity levels.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// AuditLog matches the audit_logs table schema.
type AuditLog struct {
	ID           string          `json:"id"`
	Actor        string          `json:"actor"`
	EventType    string          `json:"event_type"`
	Severity     string          `json:"severity"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for audit log queries.
type ListParams struct {
	Actor     string
	EventType string
	Severity  string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}
