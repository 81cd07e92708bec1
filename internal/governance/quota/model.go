package quota

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger is the global quota singleton: limits, running counters and the
// emergency switch.
type Ledger struct {
	GlobalDailyLimit       int             `json:"global_daily_limit"`
	GlobalMonthlyLimit     int             `json:"global_monthly_limit"`
	UserDailyLimit         int             `json:"user_daily_limit"`
	UserMonthlyLimit       int             `json:"user_monthly_limit"`
	RequestsPerMinute      int             `json:"requests_per_minute"`
	RequestsPerHour        int             `json:"requests_per_hour"`
	MaxCostPerDay          decimal.Decimal `json:"max_cost_per_day"`
	CostPerToken           decimal.Decimal `json:"cost_per_token"`
	CurrentDailyUsage      int             `json:"current_daily_usage"`
	CurrentMonthlyUsage    int             `json:"current_monthly_usage"`
	CurrentDailyCost       decimal.Decimal `json:"current_daily_cost"`
	EmergencyStop          bool            `json:"emergency_stop"`
	EmergencyReason        string          `json:"emergency_reason,omitempty"`
	MaxConsecutiveFailures int             `json:"max_consecutive_failures"`
	AbuseWindow            time.Duration   `json:"abuse_window"`
	UsageAlertThreshold    float64         `json:"usage_alert_threshold"`
	CostAlertThreshold     float64         `json:"cost_alert_threshold"`
	LastDailyReset         time.Time       `json:"last_daily_reset"`
	LastMonthlyReset       time.Time       `json:"last_monthly_reset"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Effective returns a copy of l with counters zeroed for any period whose
// reset is older than the period start. It lets a check proceed correctly
// even when the stored rollover could not be written.
func (l Ledger) Effective(dayStart, monthStart time.Time) Ledger {
	if l.LastDailyReset.Before(dayStart) {
		l.CurrentDailyUsage = 0
		l.CurrentDailyCost = decimal.Zero
	}
	if l.LastMonthlyReset.Before(monthStart) {
		l.CurrentMonthlyUsage = 0
	}
	return l
}

// Windows returns the per-identity request windows configured on l.
func (l *Ledger) Windows() []Window {
	perMinute, perHour := DefaultRequestsPerMinute, DefaultRequestsPerHour
	if l != nil {
		if l.RequestsPerMinute > 0 {
			perMinute = l.RequestsPerMinute
		}
		if l.RequestsPerHour > 0 {
			perHour = l.RequestsPerHour
		}
	}
	return []Window{
		{Name: "minute", Size: time.Minute, Limit: perMinute},
		{Name: "hour", Size: time.Hour, Limit: perHour},
	}
}

// Defaults used when the ledger cannot be read and no snapshot exists.
const (
	DefaultRequestsPerMinute      = 10
	DefaultRequestsPerHour        = 100
	DefaultMaxConsecutiveFailures = 5
	DefaultAbuseWindow            = time.Hour
)

func (l *Ledger) abusePolicy() (time.Duration, int) {
	window, failures := DefaultAbuseWindow, DefaultMaxConsecutiveFailures
	if l != nil {
		if l.AbuseWindow > 0 {
			window = l.AbuseWindow
		}
		if l.MaxConsecutiveFailures > 0 {
			failures = l.MaxConsecutiveFailures
		}
	}
	return window, failures
}

// Totals are the ledger counters after an increment.
type Totals struct {
	DailyUsage   int
	MonthlyUsage int
	DailyCost    decimal.Decimal
}

// LimitsUpdate lists the ledger fields an operator may change.
type LimitsUpdate struct {
	GlobalDailyLimit       *int             `json:"global_daily_limit" validate:"omitempty,min=0"`
	GlobalMonthlyLimit     *int             `json:"global_monthly_limit" validate:"omitempty,min=0"`
	UserDailyLimit         *int             `json:"user_daily_limit" validate:"omitempty,min=0"`
	UserMonthlyLimit       *int             `json:"user_monthly_limit" validate:"omitempty,min=0"`
	RequestsPerMinute      *int             `json:"requests_per_minute" validate:"omitempty,min=1"`
	RequestsPerHour        *int             `json:"requests_per_hour" validate:"omitempty,min=1"`
	MaxCostPerDay          *decimal.Decimal `json:"max_cost_per_day"`
	CostPerToken           *decimal.Decimal `json:"cost_per_token"`
	MaxConsecutiveFailures *int             `json:"max_consecutive_failures" validate:"omitempty,min=1"`
	AbuseWindowMinutes     *int             `json:"abuse_window_minutes" validate:"omitempty,min=1,max=1440"`
	UsageAlertThreshold    *float64         `json:"usage_alert_threshold" validate:"omitempty,gt=0,lte=1"`
	CostAlertThreshold     *float64         `json:"cost_alert_threshold" validate:"omitempty,gt=0,lte=1"`
}

// Apply copies the non-nil fields of u onto l.
func (l *Ledger) Apply(u LimitsUpdate) {
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setInt(&l.GlobalDailyLimit, u.GlobalDailyLimit)
	setInt(&l.GlobalMonthlyLimit, u.GlobalMonthlyLimit)
	setInt(&l.UserDailyLimit, u.UserDailyLimit)
	setInt(&l.UserMonthlyLimit, u.UserMonthlyLimit)
	setInt(&l.RequestsPerMinute, u.RequestsPerMinute)
	setInt(&l.RequestsPerHour, u.RequestsPerHour)
	setInt(&l.MaxConsecutiveFailures, u.MaxConsecutiveFailures)
	if u.MaxCostPerDay != nil {
		l.MaxCostPerDay = *u.MaxCostPerDay
	}
	if u.CostPerToken != nil {
		l.CostPerToken = *u.CostPerToken
	}
	if u.AbuseWindowMinutes != nil {
		l.AbuseWindow = time.Duration(*u.AbuseWindowMinutes) * time.Minute
	}
	if u.UsageAlertThreshold != nil {
		l.UsageAlertThreshold = *u.UsageAlertThreshold
	}
	if u.CostAlertThreshold != nil {
		l.CostAlertThreshold = *u.CostAlertThreshold
	}
}

// Subject identifies who is asking for admission.
type Subject struct {
	UserID   string
	ClientIP string
}

// UsageInput describes a successful generation.
type UsageInput struct {
	UserID    string
	Tokens    int
	IPAddress string
	UserAgent string
	Metadata  map[string]any
}

// FailureInput describes a failed generation attempt.
type FailureInput struct {
	UserID    string
	Reason    string
	IPAddress string
	UserAgent string
	Metadata  map[string]any
}

// Status is the admin view of the ledger.
type Status struct {
	Ledger           Ledger  `json:"ledger"`
	EmergencyEnvStop bool    `json:"emergency_env_stop"`
	Timezone         string  `json:"timezone"`
	DailyUsagePct    float64 `json:"daily_usage_pct"`
	MonthlyUsagePct  float64 `json:"monthly_usage_pct"`
	DailyCostPct     float64 `json:"daily_cost_pct"`
}
