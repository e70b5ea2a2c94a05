package observability

import "github.com/prometheus/client_golang/prometheus"

// PolicyMetrics tracks authorization engine outcomes. All methods are
// nil-safe so the engine can run without a registry in tests.
type PolicyMetrics struct {
	denials     *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	unparseable *prometheus.CounterVec
}

// NewPolicyMetrics registers the policy counters on the given registerer.
func NewPolicyMetrics(reg prometheus.Registerer) *PolicyMetrics {
	m := &PolicyMetrics{
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_policy_denials_total",
			Help: "Model-access denials by model and operation.",
		}, []string{"model", "operation"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_policy_cache_hits_total",
			Help: "Access-check cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_policy_cache_misses_total",
			Help: "Access-check cache misses.",
		}),
		unparseable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_policy_unparseable_domain_total",
			Help: "Record-rule domains matching neither grammar, by model.",
		}, []string{"model"}),
	}
	if reg != nil {
		reg.MustRegister(m.denials, m.cacheHits, m.cacheMisses, m.unparseable)
	}
	return m
}

// Denial records a model-access denial.
func (m *PolicyMetrics) Denial(model, operation string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(model, operation).Inc()
}

// CacheHit records an access-check cache hit.
func (m *PolicyMetrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss records an access-check cache miss.
func (m *PolicyMetrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// UnparseableDomain records a domain that matched neither grammar.
func (m *PolicyMetrics) UnparseableDomain(model string) {
	if m == nil {
		return
	}
	m.unparseable.WithLabelValues(model).Inc()
}
