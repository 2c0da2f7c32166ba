package fetchcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles Prometheus collectors for the fetch cache.
type Metrics struct {
	LookupsTotal  *prometheus.CounterVec
	SkipsTotal    *prometheus.CounterVec
	OutcomesTotal *prometheus.CounterVec
}

// NewMetrics constructs the cache collectors and registers them on reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	lookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_cache_lookups_total",
			Help: "Fetch cache lookups by result.",
		},
		[]string{"result"},
	)
	skips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_backoff_skips_total",
			Help: "Fetches refused by backoff, by scope.",
		},
		[]string{"scope"},
	)
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_fetch_outcomes_total",
			Help: "Live fetch outcomes recorded by the cache.",
		},
		[]string{"outcome"},
	)

	if reg != nil {
		reg.MustRegister(lookups, skips, outcomes)
	}

	return &Metrics{
		LookupsTotal:  lookups,
		SkipsTotal:    skips,
		OutcomesTotal: outcomes,
	}
}

// IncLookup counts a cache lookup.
func (m *Metrics) IncLookup(result string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(result).Inc()
}

// IncSkip counts a refused fetch.
func (m *Metrics) IncSkip(scope string) {
	if m == nil {
		return
	}
	m.SkipsTotal.WithLabelValues(scope).Inc()
}

// IncOutcome counts a live fetch outcome.
func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(outcome).Inc()
}
