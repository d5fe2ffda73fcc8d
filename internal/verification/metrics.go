package verification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded by IncrementOutcome.
const (
	OutcomeVerified  = "verified"
	OutcomeRetried   = "retried"
	OutcomeAbandoned = "abandoned"
)

// Metrics counts proof check outcomes.
type Metrics struct {
	Outcomes *prometheus.CounterVec
}

// NewMetrics registers the verification metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lookup_verifications_total",
			Help: "Proof checks, by outcome",
		}, []string{"outcome"}),
	}
}

// IncrementOutcome records one proof check.
func (m *Metrics) IncrementOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}
