package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Claim results recorded by IncrementClaim.
const (
	ResultAccepted   = "accepted"
	ResultStale      = "stale"
	ResultDeleted    = "deleted"
	ResultUnknown    = "unknown"
	ResultUnverified = "unverified"
	ResultMalformed  = "malformed"
	ResultError      = "error"
)

// Metrics provides observability for claim application.
type Metrics struct {
	Claims        *prometheus.CounterVec
	ApplyDuration prometheus.Histogram
}

// NewWithRegisterer registers the directory metrics with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Claims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lookup_claims_total",
			Help: "Signed claims processed, by result",
		}, []string{"result"}),
		ApplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lookup_claim_apply_duration_seconds",
			Help:    "Duration of claim application transactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementClaim records one processed claim.
func (m *Metrics) IncrementClaim(result string) {
	if m == nil {
		return
	}
	m.Claims.WithLabelValues(result).Inc()
}

// ObserveApply records the duration of a claim transaction.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveApply(start time.Time) {
	if m == nil {
		return
	}
	m.ApplyDuration.Observe(time.Since(start).Seconds())
}
