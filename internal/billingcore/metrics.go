package billingcore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the billing core's own
// decision-making, as distinct from analytics over the activity logs
// (SPEC_FULL.md §10 Non-goals carve that out, not this).
type Metrics struct {
	CacheOutcomes      *prometheus.CounterVec
	PermissionOutcomes *prometheus.CounterVec
}

// NewMetrics registers and returns a fresh Metrics. Callers must construct
// exactly one per process (promauto panics on duplicate registration) —
// CacheLayer accepts a *Metrics via WithMetrics (StagePipeline records
// through its CacheLayer's) and a nil *Metrics means "don't record", so
// tests that build many cache/pipeline instances never call this.
func NewMetrics() *Metrics {
	return &Metrics{
		CacheOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billingcore_cache_outcomes_total",
				Help: "CacheLayer lookups by snapshot kind and outcome (hit, miss, refresh).",
			},
			[]string{"kind", "outcome"},
		),
		PermissionOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billingcore_permission_outcomes_total",
				Help: "EvaluatePermission outcomes (allow, deny).",
			},
			[]string{"outcome"},
		),
	}
}

// recordCacheHit/recordCacheMiss/recordCacheRefresh are nil-safe so a
// CacheLayer built without metrics (every test, and any deployment that
// skips Prometheus) costs nothing beyond a nil check.
func (m *Metrics) recordCacheHit(kind Kind) {
	if m == nil {
		return
	}
	m.CacheOutcomes.WithLabelValues(string(kind), "hit").Inc()
}

func (m *Metrics) recordCacheMiss(kind Kind) {
	if m == nil {
		return
	}
	m.CacheOutcomes.WithLabelValues(string(kind), "miss").Inc()
}

func (m *Metrics) recordCacheRefresh(kind Kind) {
	if m == nil {
		return
	}
	m.CacheOutcomes.WithLabelValues(string(kind), "refresh").Inc()
}

func (m *Metrics) recordPermission(allowed bool) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.PermissionOutcomes.WithLabelValues(outcome).Inc()
}
