package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dripcheck/dripcheck/internal/governance"
	"github.com/dripcheck/dripcheck/internal/governance/audit"
	"github.com/dripcheck/dripcheck/internal/governance/usage"
	"github.com/dripcheck/dripcheck/internal/metrics"
	inats "github.com/dripcheck/dripcheck/internal/nats"
	"github.com/dripcheck/dripcheck/internal/settings"
	"github.com/dripcheck/dripcheck/internal/users"
)

// Check names, used as metric labels and in CheckResult.Check.
const (
	CheckEmergencyStop = "emergency_stop"
	CheckRollover      = "rollover"
	CheckGlobalQuota   = "global_quota"
	CheckCostCap       = "cost_cap"
	CheckRateWindow    = "rate_window"
	CheckAbuse         = "abuse"
	CheckUserQuota     = "user_quota"
	CheckIPRequests    = "ip_requests"
)

type LedgerStore interface {
	Get(ctx context.Context) (*Ledger, error)
	ResetDailyIfStale(ctx context.Context, dayStart time.Time) (bool, error)
	ResetMonthlyIfStale(ctx context.Context, monthStart time.Time) (bool, error)
	AddUsage(ctx context.Context, tokens int, cost decimal.Decimal) (*Totals, error)
	SetEmergencyStop(ctx context.Context, stop bool, reason string) (*Ledger, error)
	SaveLimits(ctx context.Context, l *Ledger) (*Ledger, error)
}

type UsageStore interface {
	Insert(ctx context.Context, rec *usage.Record) error
	WindowStats(ctx context.Context, userID string, since time.Time, streakLimit int) (*usage.WindowStats, error)
	TokenTotals(ctx context.Context, userID string, dayStart, monthStart time.Time) (*usage.TokenTotals, error)
}

type IPCounter interface {
	IPRequestTotals(ctx context.Context, ip string, at time.Time) (hourly, daily int, err error)
	IncrementIPRequests(ctx context.Context, userID string, at time.Time) error
}

type SettingsSource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Auditor interface {
	Record(ctx context.Context, event inats.AuditEvent)
}

type UsagePublisher interface {
	PublishUsageEvent(ctx context.Context, event inats.UsageEvent) error
}

// Deps are the collaborators of the Service. Auditor and Publisher may be nil.
type Deps struct {
	Ledger    LedgerStore
	Usage     UsageStore
	IPCounter IPCounter
	Settings  SettingsSource
	Limiter   WindowLimiter
	Auditor   Auditor
	Publisher UsagePublisher
}

// Options configure calendar and override behaviour.
type Options struct {
	// EmergencyStop forces every admission to be refused regardless of the
	// stored ledger.
	EmergencyStop bool
	Location      *time.Location
}

// Service is the quota ledger: it decides admission and accounts usage.
type Service struct {
	deps     Deps
	opts     Options
	now      func() time.Time
	snapshot atomic.Pointer[Ledger]
}

// NewService creates a new quota Service.
func NewService(deps Deps, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{deps: deps, opts: opts, now: time.Now}
}

// Admission is a granted request. Results lists the verdict of every check
// in evaluation order.
type Admission struct {
	Subject Subject
	Results []governance.CheckResult
	// Reservation is the window-limiter member held for this request.
	Reservation string
}

// PeriodStarts returns the start of the day and month containing t in loc.
func PeriodStarts(t time.Time, loc *time.Location) (day, month time.Time) {
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc), time.Date(y, m, 1, 0, 0, 0, 0, loc)
}

func windowKey(userID string) string {
	return "user:" + userID
}

// CheckAdmission runs the ledger checks in order and returns the first
// denial as a *governance.Rejection. Checks whose backing store fails are
// Indeterminate and let the request through, except the emergency stop
// which always decides.
func (s *Service) CheckAdmission(ctx context.Context, subj Subject) (*Admission, error) {
	now := s.now()
	dayStart, monthStart := PeriodStarts(now, s.opts.Location)
	adm := &Admission{Subject: subj}

	// 1. emergency stop
	ledger, fresh := s.currentLedger(ctx)
	res := s.checkEmergency(ledger)
	if rej := s.record(adm, res); rej != nil {
		return nil, rej
	}

	// 2. rollover
	res, rolled := s.rollover(ctx, dayStart, monthStart)
	s.record(adm, res)
	if rolled && fresh {
		if reloaded, err := s.deps.Ledger.Get(ctx); err == nil {
			s.snapshot.Store(reloaded)
			ledger = reloaded
		}
	}

	var effective *Ledger
	if ledger != nil && fresh {
		e := ledger.Effective(dayStart, monthStart)
		effective = &e
	}

	// 3. global ceilings, 4. cost ceiling
	if rej := s.record(adm, checkGlobal(effective)); rej != nil {
		return nil, rej
	}
	if rej := s.record(adm, checkCost(effective)); rej != nil {
		return nil, rej
	}

	// 5. per-identity windows
	res, member := s.reserveWindow(ctx, subj.UserID, ledger)
	adm.Reservation = member
	if rej := s.record(adm, res); rej != nil {
		return nil, rej
	}

	deny := func(rej *governance.Rejection) (*Admission, error) {
		s.release(ctx, subj.UserID, member)
		return nil, rej
	}

	// 6. abuse
	res = s.checkAbuse(ctx, subj, ledger, now)
	if rej := s.record(adm, res); rej != nil {
		return deny(rej)
	}

	// 7. per-user token ceilings
	res = s.checkUserQuota(ctx, subj.UserID, ledger, dayStart, monthStart)
	if rej := s.record(adm, res); rej != nil {
		return deny(rej)
	}

	// 8. per-IP request counters
	res = s.checkIPRequests(ctx, subj, now)
	if rej := s.record(adm, res); rej != nil {
		return deny(rej)
	}

	return adm, nil
}

// record appends res to adm, applies the fail-open policy and returns the
// rejection to surface, if any.
func (s *Service) record(adm *Admission, res governance.CheckResult) *governance.Rejection {
	adm.Results = append(adm.Results, res)
	switch res.Verdict {
	case governance.Denied:
		slog.Info("quota: admission denied",
			"check", res.Check, "kind", res.Rejection.Kind, "reason", res.Rejection.Reason, "user_id", adm.Subject.UserID)
		return res.Rejection
	case governance.Indeterminate:
		slog.Warn("quota: check could not be evaluated, allowing request",
			"check", res.Check, "error", res.Err, "user_id", adm.Subject.UserID)
		metrics.LedgerFailOpenTotal.WithLabelValues(res.Check).Inc()
	}
	return nil
}

// currentLedger reads the ledger, falling back to the last good snapshot.
// fresh is false when the snapshot (or nothing) was returned.
func (s *Service) currentLedger(ctx context.Context) (*Ledger, bool) {
	l, err := s.deps.Ledger.Get(ctx)
	if err == nil {
		s.snapshot.Store(l)
		return l, true
	}
	slog.Warn("quota: reading ledger, using last known snapshot", "error", err)
	return s.snapshot.Load(), false
}

func (s *Service) checkEmergency(l *Ledger) governance.CheckResult {
	if s.opts.EmergencyStop {
		return governance.Deny(CheckEmergencyStop,
			governance.Reject(governance.KindEmergencyStopped, "service is temporarily paused by the operator"))
	}
	if l != nil && l.EmergencyStop {
		reason := l.EmergencyReason
		if reason == "" {
			reason = "service is temporarily paused"
		}
		return governance.Deny(CheckEmergencyStop, governance.Reject(governance.KindEmergencyStopped, reason))
	}
	return governance.Allow(CheckEmergencyStop)
}

func (s *Service) rollover(ctx context.Context, dayStart, monthStart time.Time) (governance.CheckResult, bool) {
	daily, err := s.deps.Ledger.ResetDailyIfStale(ctx, dayStart)
	if err != nil {
		return governance.Unknown(CheckRollover, err), false
	}
	monthly, err := s.deps.Ledger.ResetMonthlyIfStale(ctx, monthStart)
	if err != nil {
		return governance.Unknown(CheckRollover, err), daily
	}
	if daily || monthly {
		slog.Info("quota: ledger rolled over", "daily", daily, "monthly", monthly, "day_start", dayStart)
	}
	return governance.Allow(CheckRollover), daily || monthly
}

func checkGlobal(l *Ledger) governance.CheckResult {
	if l == nil {
		return governance.Unknown(CheckGlobalQuota, errors.New("ledger unavailable"))
	}
	if l.CurrentDailyUsage >= l.GlobalDailyLimit {
		return governance.Deny(CheckGlobalQuota, governance.RejectWithCounts(governance.KindGlobalQuotaExceeded,
			"daily usage limit reached, please try again tomorrow", l.CurrentDailyUsage, l.GlobalDailyLimit))
	}
	if l.CurrentMonthlyUsage >= l.GlobalMonthlyLimit {
		return governance.Deny(CheckGlobalQuota, governance.RejectWithCounts(governance.KindGlobalQuotaExceeded,
			"monthly usage limit reached", l.CurrentMonthlyUsage, l.GlobalMonthlyLimit))
	}
	return governance.Allow(CheckGlobalQuota)
}

func checkCost(l *Ledger) governance.CheckResult {
	if l == nil {
		return governance.Unknown(CheckCostCap, errors.New("ledger unavailable"))
	}
	if l.CurrentDailyCost.Add(l.CostPerToken).GreaterThan(l.MaxCostPerDay) {
		return governance.Deny(CheckCostCap, governance.Reject(governance.KindCostCapExceeded,
			fmt.Sprintf("daily cost limit reached (%s of %s)", l.CurrentDailyCost.StringFixed(4), l.MaxCostPerDay.StringFixed(2))))
	}
	return governance.Allow(CheckCostCap)
}

func (s *Service) reserveWindow(ctx context.Context, userID string, l *Ledger) (governance.CheckResult, string) {
	res, err := s.deps.Limiter.Reserve(ctx, windowKey(userID), l.Windows())
	if err != nil {
		return governance.Unknown(CheckRateWindow, err), ""
	}
	if !res.Allowed {
		return governance.Deny(CheckRateWindow, governance.RejectWithCounts(governance.KindRateLimited,
			fmt.Sprintf("too many requests per %s, please slow down", res.Window.Name),
			res.Count, res.Window.Limit)), ""
	}
	return governance.Allow(CheckRateWindow), res.Member
}

func (s *Service) release(ctx context.Context, userID, member string) {
	if member == "" {
		return
	}
	if err := s.deps.Limiter.Release(ctx, windowKey(userID), member); err != nil {
		slog.Warn("quota: releasing window reservation", "error", err, "user_id", userID)
	}
}

func (s *Service) checkAbuse(ctx context.Context, subj Subject, l *Ledger, now time.Time) governance.CheckResult {
	window, maxFailures := l.abusePolicy()
	stats, err := s.deps.Usage.WindowStats(ctx, subj.UserID, now.Add(-window), maxFailures)
	if err != nil {
		return governance.Unknown(CheckAbuse, err)
	}
	rej := DetectAbuse(stats, maxFailures)
	if rej == nil {
		return governance.Allow(CheckAbuse)
	}

	details, _ := json.Marshal(map[string]any{
		"reason":               rej.Reason,
		"requests":             stats.Requests,
		"tokens":               stats.Tokens,
		"consecutive_failures": stats.ConsecutiveFailures,
	})
	s.audit(ctx, inats.AuditEvent{
		Actor:        subj.UserID,
		EventType:    audit.EventAbuseDetected,
		Severity:     audit.SeverityWarn,
		ResourceType: "user",
		ResourceID:   subj.UserID,
		Details:      string(details),
		IPAddress:    subj.ClientIP,
	})
	return governance.Deny(CheckAbuse, rej)
}

func (s *Service) checkUserQuota(ctx context.Context, userID string, l *Ledger, dayStart, monthStart time.Time) governance.CheckResult {
	if l == nil {
		return governance.Unknown(CheckUserQuota, errors.New("ledger unavailable"))
	}
	totals, err := s.deps.Usage.TokenTotals(ctx, userID, dayStart, monthStart)
	if err != nil {
		return governance.Unknown(CheckUserQuota, err)
	}
	if l.UserDailyLimit > 0 && totals.Day >= l.UserDailyLimit {
		return governance.Deny(CheckUserQuota, governance.RejectWithCounts(governance.KindUserQuotaExceeded,
			"your daily generation limit has been reached", totals.Day, l.UserDailyLimit))
	}
	if l.UserMonthlyLimit > 0 && totals.Month >= l.UserMonthlyLimit {
		return governance.Deny(CheckUserQuota, governance.RejectWithCounts(governance.KindUserQuotaExceeded,
			"your monthly generation limit has been reached", totals.Month, l.UserMonthlyLimit))
	}
	return governance.Allow(CheckUserQuota)
}

func (s *Service) checkIPRequests(ctx context.Context, subj Subject, now time.Time) governance.CheckResult {
	policy, err := s.deps.Settings.Get(ctx)
	if err != nil {
		return governance.Unknown(CheckIPRequests, err)
	}
	if !policy.EnableIPRequestLimits || !users.KnownIP(subj.ClientIP) {
		s.countIPRequest(ctx, subj.UserID, now)
		return governance.Allow(CheckIPRequests)
	}

	hourly, daily, err := s.deps.IPCounter.IPRequestTotals(ctx, subj.ClientIP, now)
	if err != nil {
		return governance.Unknown(CheckIPRequests, err)
	}
	if policy.MaxRequestsPerIPPerHour > 0 && hourly >= policy.MaxRequestsPerIPPerHour {
		return governance.Deny(CheckIPRequests, governance.RejectWithCounts(governance.KindRateLimited,
			"hourly request limit for this network reached", hourly, policy.MaxRequestsPerIPPerHour))
	}
	if policy.MaxRequestsPerIPPerDay > 0 && daily >= policy.MaxRequestsPerIPPerDay {
		return governance.Deny(CheckIPRequests, governance.RejectWithCounts(governance.KindRateLimited,
			"daily request limit for this network reached", daily, policy.MaxRequestsPerIPPerDay))
	}

	s.countIPRequest(ctx, subj.UserID, now)
	return governance.Allow(CheckIPRequests)
}

func (s *Service) countIPRequest(ctx context.Context, userID string, now time.Time) {
	if err := s.deps.IPCounter.IncrementIPRequests(ctx, userID, now); err != nil {
		slog.Warn("quota: incrementing ip request counters", "error", err, "user_id", userID)
	}
}

// RecordUsage accounts a successful generation: ledger counters, a usage
// record, a usage event and threshold alerts.
func (s *Service) RecordUsage(ctx context.Context, in UsageInput) error {
	ledger, _ := s.currentLedger(ctx)
	costPerToken := decimal.Zero
	if ledger != nil {
		costPerToken = ledger.CostPerToken
	}
	cost := costPerToken.Mul(decimal.NewFromInt(int64(in.Tokens)))

	totals, err := s.deps.Ledger.AddUsage(ctx, in.Tokens, cost)
	if err != nil {
		return err
	}

	rec := &usage.Record{
		UserID:      in.UserID,
		TokensUsed:  in.Tokens,
		Cost:        cost,
		RequestType: usage.RequestTypeImageGeneration,
		Success:     true,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		Metadata:    in.Metadata,
	}
	if err := s.deps.Usage.Insert(ctx, rec); err != nil {
		return err
	}

	if s.deps.Publisher != nil {
		err := s.deps.Publisher.PublishUsageEvent(ctx, inats.UsageEvent{
			UserID:       in.UserID,
			TokensUsed:   in.Tokens,
			Cost:         cost.String(),
			DailyUsage:   totals.DailyUsage,
			MonthlyUsage: totals.MonthlyUsage,
			DailyCost:    totals.DailyCost.String(),
			IPAddress:    in.IPAddress,
			Timestamp:    rec.CreatedAt,
		})
		if err != nil {
			slog.Warn("quota: publishing usage event", "error", err, "user_id", in.UserID)
		}
	}

	if ledger != nil {
		s.alertOnThresholds(ctx, ledger, totals, in.Tokens, cost)
	}
	return nil
}

// alertOnThresholds raises an audit event the first time a counter crosses
// its alert threshold within a period.
func (s *Service) alertOnThresholds(ctx context.Context, l *Ledger, t *Totals, tokens int, cost decimal.Decimal) {
	if l.GlobalDailyLimit > 0 && l.UsageAlertThreshold > 0 {
		mark := l.UsageAlertThreshold * float64(l.GlobalDailyLimit)
		before := float64(t.DailyUsage - tokens)
		if before < mark && float64(t.DailyUsage) >= mark {
			details, _ := json.Marshal(map[string]any{
				"daily_usage": t.DailyUsage, "daily_limit": l.GlobalDailyLimit, "threshold": l.UsageAlertThreshold,
			})
			s.audit(ctx, inats.AuditEvent{
				Actor: "system", EventType: audit.EventUsageAlert, Severity: audit.SeverityWarn,
				ResourceType: "quota_ledger", ResourceID: "1", Details: string(details),
			})
		}
	}

	if l.MaxCostPerDay.IsPositive() && l.CostAlertThreshold > 0 {
		mark := l.MaxCostPerDay.Mul(decimal.NewFromFloat(l.CostAlertThreshold))
		before := t.DailyCost.Sub(cost)
		if before.LessThan(mark) && t.DailyCost.GreaterThanOrEqual(mark) {
			details, _ := json.Marshal(map[string]any{
				"daily_cost": t.DailyCost.String(), "max_cost_per_day": l.MaxCostPerDay.String(), "threshold": l.CostAlertThreshold,
			})
			s.audit(ctx, inats.AuditEvent{
				Actor: "system", EventType: audit.EventCostAlert, Severity: audit.SeverityWarn,
				ResourceType: "quota_ledger", ResourceID: "1", Details: string(details),
			})
		}
	}
}

// RecordFailure appends a zero-token failure record.
func (s *Service) RecordFailure(ctx context.Context, in FailureInput) error {
	return s.deps.Usage.Insert(ctx, &usage.Record{
		UserID:       in.UserID,
		TokensUsed:   0,
		Cost:         decimal.Zero,
		RequestType:  usage.RequestTypeImageGeneration,
		Success:      false,
		ErrorMessage: in.Reason,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		Metadata:     in.Metadata,
	})
}

// SetEmergencyStop flips the stored switch and refreshes the snapshot so the
// change applies even if storage becomes unreachable right after.
func (s *Service) SetEmergencyStop(ctx context.Context, stop bool, reason, actor string) (*Ledger, error) {
	l, err := s.deps.Ledger.SetEmergencyStop(ctx, stop, reason)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(l)

	event := audit.EventEmergencyResume
	severity := audit.SeverityInfo
	if stop {
		event = audit.EventEmergencyStop
		severity = audit.SeverityError
	}
	details, _ := json.Marshal(map[string]any{"reason": reason})
	s.audit(ctx, inats.AuditEvent{
		Actor: actor, EventType: event, Severity: severity,
		ResourceType: "quota_ledger", ResourceID: "1", Details: string(details),
	})
	slog.Warn("quota: emergency stop changed", "stop", stop, "reason", reason, "actor", actor)
	return l, nil
}

// UpdateLimits applies u to the stored ledger.
func (s *Service) UpdateLimits(ctx context.Context, u LimitsUpdate, actor string) (*Ledger, error) {
	if u.MaxCostPerDay != nil && u.MaxCostPerDay.IsNegative() {
		return nil, fmt.Errorf("max_cost_per_day must not be negative")
	}
	if u.CostPerToken != nil && u.CostPerToken.IsNegative() {
		return nil, fmt.Errorf("cost_per_token must not be negative")
	}

	current, err := s.deps.Ledger.Get(ctx)
	if err != nil {
		return nil, err
	}
	current.Apply(u)

	saved, err := s.deps.Ledger.SaveLimits(ctx, current)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(saved)

	details, _ := json.Marshal(u)
	s.audit(ctx, inats.AuditEvent{
		Actor: actor, EventType: audit.EventLimitsUpdated, Severity: audit.SeverityInfo,
		ResourceType: "quota_ledger", ResourceID: "1", Details: string(details),
	})
	return saved, nil
}

// Status reports the ledger as the admission checks currently see it.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	l, err := s.deps.Ledger.Get(ctx)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(l)

	dayStart, monthStart := PeriodStarts(s.now(), s.opts.Location)
	eff := l.Effective(dayStart, monthStart)
	st := &Status{
		Ledger:           eff,
		EmergencyEnvStop: s.opts.EmergencyStop,
		Timezone:         s.opts.Location.String(),
		DailyUsagePct:    percent(float64(eff.CurrentDailyUsage), float64(eff.GlobalDailyLimit)),
		MonthlyUsagePct:  percent(float64(eff.CurrentMonthlyUsage), float64(eff.GlobalMonthlyLimit)),
	}
	if eff.MaxCostPerDay.IsPositive() {
		st.DailyCostPct, _ = eff.CurrentDailyCost.Div(eff.MaxCostPerDay).Mul(decimal.NewFromInt(100)).Float64()
	}
	return st, nil
}

func percent(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return v / limit * 100
}

func (s *Service) audit(ctx context.Context, event inats.AuditEvent) {
	if s.deps.Auditor != nil {
		s.deps.Auditor.Record(ctx, event)
	}
}
