package quota

import (
	"fmt"

	"github.com/dripcheck/dripcheck/internal/governance"
	"github.com/dripcheck/dripcheck/internal/governance/usage"
)

// Fixed abuse ceilings inside the abuse window.
const (
	AbuseMaxRequests = 100
	AbuseMaxTokens   = 1000
)

// DetectAbuse inspects a user's recent activity. Request and token counts
// must exceed their ceilings; the failure streak trips at maxFailures.
func DetectAbuse(stats *usage.WindowStats, maxFailures int) *governance.Rejection {
	switch {
	case stats.Requests > AbuseMaxRequests:
		return governance.RejectWithCounts(governance.KindAbuseDetected,
			"excessive requests in a short period", stats.Requests, AbuseMaxRequests)
	case stats.ConsecutiveFailures >= maxFailures:
		return governance.RejectWithCounts(governance.KindAbuseDetected,
			fmt.Sprintf("%d consecutive failed requests", stats.ConsecutiveFailures),
			stats.ConsecutiveFailures, maxFailures)
	case stats.Tokens > AbuseMaxTokens:
		return governance.RejectWithCounts(governance.KindAbuseDetected,
			"excessive token usage in a short period", stats.Tokens, AbuseMaxTokens)
	}
	return nil
}
