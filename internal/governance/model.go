package governance

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable class of a rejected request.
type Kind string

const (
	KindIdentityRequired    Kind = "IDENTITY_REQUIRED"
	KindUsernameRequired    Kind = "USERNAME_REQUIRED"
	KindIPLimitExceeded     Kind = "IP_LIMIT_EXCEEDED"
	KindEmergencyStopped    Kind = "EMERGENCY_STOPPED"
	KindGlobalQuotaExceeded Kind = "GLOBAL_QUOTA_EXCEEDED"
	KindCostCapExceeded     Kind = "COST_CAP_EXCEEDED"
	KindUserQuotaExceeded   Kind = "USER_QUOTA_EXCEEDED"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindAbuseDetected       Kind = "ABUSE_DETECTED"
	KindNoTokensRemaining   Kind = "NO_TOKENS_REMAINING"
	KindPolicyBlocked       Kind = "POLICY_BLOCKED"
	KindUnchangedImage      Kind = "UNCHANGED_IMAGE"
	KindGatewayError        Kind = "GATEWAY_ERROR"
	KindPersistenceError    Kind = "PERSISTENCE_ERROR"
	KindInvalidRequest      Kind = "INVALID_REQUEST"
)

var kindStatus = map[Kind]int{
	KindIdentityRequired:    http.StatusBadRequest,
	KindUsernameRequired:    http.StatusBadRequest,
	KindIPLimitExceeded:     http.StatusForbidden,
	KindEmergencyStopped:    http.StatusServiceUnavailable,
	KindGlobalQuotaExceeded: http.StatusTooManyRequests,
	KindCostCapExceeded:     http.StatusTooManyRequests,
	KindUserQuotaExceeded:   http.StatusTooManyRequests,
	KindRateLimited:         http.StatusTooManyRequests,
	KindAbuseDetected:       http.StatusTooManyRequests,
	KindNoTokensRemaining:   http.StatusPaymentRequired,
	KindPolicyBlocked:       http.StatusUnprocessableEntity,
	KindUnchangedImage:      http.StatusUnprocessableEntity,
	KindGatewayError:        http.StatusBadGateway,
	KindPersistenceError:    http.StatusInternalServerError,
	KindInvalidRequest:      http.StatusBadRequest,
}

// HTTPStatus maps a Kind onto the status code returned to the extension.
func (k Kind) HTTPStatus() int {
	if code, ok := kindStatus[k]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Rejection is the terminal outcome of a request that was not served.
// Quota-class rejections carry the counts that tripped the limit.
type Rejection struct {
	Kind         Kind
	Reason       string
	CurrentCount *int
	MaxAllowed   *int
}

func (r *Rejection) Error() string {
	if r.CurrentCount != nil && r.MaxAllowed != nil {
		return fmt.Sprintf("%s: %s (%d/%d)", r.Kind, r.Reason, *r.CurrentCount, *r.MaxAllowed)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

// Reject builds a Rejection without counts.
func Reject(kind Kind, reason string) *Rejection {
	return &Rejection{Kind: kind, Reason: reason}
}

// RejectWithCounts builds a Rejection carrying current and maximum counts.
func RejectWithCounts(kind Kind, reason string, current, max int) *Rejection {
	return &Rejection{Kind: kind, Reason: reason, CurrentCount: &current, MaxAllowed: &max}
}

// AsRejection unwraps err into a Rejection if it carries one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsKind reports whether err carries a Rejection of the given kind.
func IsKind(err error, kind Kind) bool {
	rej, ok := AsRejection(err)
	return ok && rej.Kind == kind
}

// Verdict is the typed outcome of a single admission check.
type Verdict int

const (
	Allowed Verdict = iota
	Denied
	// Indeterminate means the check could not be evaluated, usually because
	// its backing store was unreachable. The caller decides whether it admits.
	Indeterminate
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

// CheckResult is what every admission check returns.
type CheckResult struct {
	Check     string
	Verdict   Verdict
	Rejection *Rejection
	Err       error
}

// Allow is the passing result of a named check.
func Allow(check string) CheckResult {
	return CheckResult{Check: check, Verdict: Allowed}
}

// Deny is the failing result of a named check.
func Deny(check string, rej *Rejection) CheckResult {
	return CheckResult{Check: check, Verdict: Denied, Rejection: rej}
}

// Unknown marks a check that could not be evaluated because of err.
func Unknown(check string, err error) CheckResult {
	return CheckResult{Check: check, Verdict: Indeterminate, Err: err}
}
