package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Import results recorded by IncrementIdentity.
const (
	ResultImported = "imported"
	ResultSkipped  = "skipped"
)

// Metrics counts imported identities and failed peers.
type Metrics struct {
	Identities *prometheus.CounterVec
	HostErrors prometheus.Counter
}

// NewMetrics registers the replication metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Identities: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lookup_replication_identities_total",
			Help: "Identities received from peers, by result",
		}, []string{"result"}),
		HostErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "lookup_replication_host_errors_total",
			Help: "Peers whose import run failed",
		}),
	}
}

// IncrementIdentity records one received identity.
func (m *Metrics) IncrementIdentity(result string) {
	if m == nil {
		return
	}
	m.Identities.WithLabelValues(result).Inc()
}

// IncrementHostError records a failed peer.
func (m *Metrics) IncrementHostError() {
	if m == nil {
		return
	}
	m.HostErrors.Inc()
}
