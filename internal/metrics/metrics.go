// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route labels for TurnsTotal.
const (
	RouteData  = "data"
	RouteFree  = "free"
	RouteMeta  = "meta"
	RouteCache = "cache"
	RouteError = "error"
)

// Metrics holds the service's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal      *prometheus.CounterVec
	RepairAttempts  prometheus.Counter
	RepairExhausted prometheus.Counter
	CacheAnswers    prometheus.Counter
	LLMCostUSD      *prometheus.CounterVec
	SessionsEvicted prometheus.Counter
	SessionsActive  prometheus.Gauge
	QueryDuration   prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "askbi_turns_total",
			Help: "Completed chat turns by route.",
		}, []string{"route"}),
		RepairAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "askbi_repair_attempts_total",
			Help: "Repair cycles started after a failed execution.",
		}),
		RepairExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "askbi_repair_exhausted_total",
			Help: "Turns that spent the whole repair budget.",
		}),
		CacheAnswers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "askbi_cache_answers_total",
			Help: "Follow-up questions answered from the cached result.",
		}),
		LLMCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "askbi_llm_cost_usd_total",
			Help: "Accumulated reasoning-service cost in USD by model.",
		}, []string{"model"}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "askbi_sessions_evicted_total",
			Help: "Sessions removed by the idle sweep.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "askbi_sessions_active",
			Help: "Live in-memory sessions.",
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "askbi_query_duration_seconds",
			Help:    "Analytical query execution time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TurnsTotal,
		m.RepairAttempts,
		m.RepairExhausted,
		m.CacheAnswers,
		m.LLMCostUSD,
		m.SessionsEvicted,
		m.SessionsActive,
		m.QueryDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCost adds amount to the model's cost counter.
func (m *Metrics) ObserveCost(model string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	if model == "" {
		model = "unknown"
	}
	m.LLMCostUSD.WithLabelValues(model).Add(amount)
}

// ObserveQuery records one query execution time.
func (m *Metrics) ObserveQuery(d time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.Observe(d.Seconds())
}

// Turn counts a completed turn on route.
func (m *Metrics) Turn(route string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(route).Inc()
}

// RepairStarted counts one repair cycle.
func (m *Metrics) RepairStarted() {
	if m == nil {
		return
	}
	m.RepairAttempts.Inc()
}

// RepairExhaustedTurn counts a turn that spent its repair budget.
func (m *Metrics) RepairExhaustedTurn() {
	if m == nil {
		return
	}
	m.RepairExhausted.Inc()
}

// CacheAnswer counts a follow-up answered from the cached result.
func (m *Metrics) CacheAnswer() {
	if m == nil {
		return
	}
	m.CacheAnswers.Inc()
}

// Swept records a sweep pass that evicted evicted sessions and left
// remaining alive.
func (m *Metrics) Swept(evicted, remaining int) {
	if m == nil {
		return
	}
	m.SessionsEvicted.Add(float64(evicted))
	m.SessionsActive.Set(float64(remaining))
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}
