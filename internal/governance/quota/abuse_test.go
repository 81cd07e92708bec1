package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripcheck/dripcheck/internal/governance"
	"github.com/dripcheck/dripcheck/internal/governance/usage"
)

func TestDetectAbuse_Thresholds(t *testing.T) {
	tests := []struct {
		name    string
		stats   usage.WindowStats
		blocked bool
	}{
		{name: "quiet", stats: usage.WindowStats{Requests: 3, Tokens: 3}},
		{name: "requests at ceiling", stats: usage.WindowStats{Requests: AbuseMaxRequests}},
		{name: "requests over ceiling", stats: usage.WindowStats{Requests: AbuseMaxRequests + 1}, blocked: true},
		{name: "tokens at ceiling", stats: usage.WindowStats{Tokens: AbuseMaxTokens}},
		{name: "tokens over ceiling", stats: usage.WindowStats{Tokens: AbuseMaxTokens + 1}, blocked: true},
		{name: "four failures", stats: usage.WindowStats{ConsecutiveFailures: 4}},
		{name: "five failures refuse the sixth attempt", stats: usage.WindowStats{ConsecutiveFailures: 5}, blocked: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rej := DetectAbuse(&tt.stats, DefaultMaxConsecutiveFailures)
			if !tt.blocked {
				assert.Nil(t, rej)
				return
			}
			require.NotNil(t, rej)
			assert.Equal(t, governance.KindAbuseDetected, rej.Kind)
			assert.NotEmpty(t, rej.Reason)
		})
	}
}
