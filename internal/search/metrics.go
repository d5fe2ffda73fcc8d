package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Search modes recorded by IncrementSearch.
const (
	ModeLike    = "like"
	ModeExact   = "exact"
	ModeCloudID = "cloud_id"
)

// Metrics counts searches.
type Metrics struct {
	Searches *prometheus.CounterVec
}

// NewMetrics registers the search metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Searches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lookup_searches_total",
			Help: "Directory searches, by match mode",
		}, []string{"mode"}),
	}
}

// IncrementSearch records one search.
func (m *Metrics) IncrementSearch(mode string) {
	if m == nil {
		return
	}
	m.Searches.WithLabelValues(mode).Inc()
}
