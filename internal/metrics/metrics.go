package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripcheck_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripcheck_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AdmissionsTotal counts generate requests by terminal outcome
	// ("success" or a rejection kind).
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripcheck_admissions_total",
			Help: "Generate requests by terminal outcome.",
		},
		[]string{"outcome"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripcheck_generation_duration_seconds",
			Help:    "Latency of generation gateway calls.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"result"},
	)

	TokensDebitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dripcheck_tokens_debited_total",
			Help: "User tokens debited after successful generations.",
		},
	)

	LedgerFailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripcheck_ledger_fail_open_total",
			Help: "Admission checks that could not be evaluated and were let through.",
		},
		[]string{"check"},
	)

	IdentityResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripcheck_identity_resolutions_total",
			Help: "Identity resolutions by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AdmissionsTotal,
		GenerationDuration,
		TokensDebitedTotal,
		LedgerFailOpenTotal,
		IdentityResolutionsTotal,
	)
}
