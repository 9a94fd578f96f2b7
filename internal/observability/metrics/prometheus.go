// Package metrics provides Prometheus metrics for the prescribing form service.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/workerpool"
)

// Metrics holds all application metrics
type Metrics struct {
	IntentsProcessed      *prometheus.CounterVec
	IntentsUnmatched      prometheus.Counter
	LookupsTotal          *prometheus.CounterVec
	LookupDuration        prometheus.Histogram
	StaleResponses        prometheus.Counter
	TerminologyExpansions *prometheus.CounterVec
	ActiveSessions        prometheus.Gauge
	JournalProduced       prometheus.Counter
	JournalFailed         prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		IntentsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "form_intents_processed_total",
			Help: "Intents folded into a form state, by resulting state type",
		}, []string{"type"}),
		IntentsUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "form_intents_unmatched_total",
			Help: "Intents that mapped to no action",
		}),
		LookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "form_lookups_total",
			Help: "Knowledge lookups by outcome",
		}, []string{"outcome"}),
		LookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "form_lookup_duration_seconds",
			Help:    "Knowledge lookup duration including retries",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		StaleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "form_lookup_stale_responses_total",
			Help: "Lookup responses dropped because a newer request superseded them",
		}),
		TerminologyExpansions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "form_terminology_expansions_total",
			Help: "ValueSet expansions by outcome",
		}, []string{"outcome"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "form_sessions_active",
			Help: "Currently open authoring sessions",
		}),
		JournalProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "form_journal_records_produced_total",
			Help: "Transition records produced to the journal topic",
		}),
		JournalFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "form_journal_records_failed_total",
			Help: "Transition records that failed to produce",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.IntentsProcessed,
		m.IntentsUnmatched,
		m.LookupsTotal,
		m.LookupDuration,
		m.StaleResponses,
		m.TerminologyExpansions,
		m.ActiveSessions,
		m.JournalProduced,
		m.JournalFailed,
		m.CircuitBreakerState,
	)
	m.registerer = reg
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

// Methods below are safe on a nil *Metrics so components can run without metrics.

func (m *Metrics) IntentProcessed(stateType string) {
	if m != nil {
		m.IntentsProcessed.WithLabelValues(stateType).Inc()
	}
}

func (m *Metrics) IntentUnmatched() {
	if m != nil {
		m.IntentsUnmatched.Inc()
	}
}

// LookupFinished records one knowledge lookup outcome ("ok" or "error").
func (m *Metrics) LookupFinished(outcome string, elapsed time.Duration) {
	if m != nil {
		m.LookupsTotal.WithLabelValues(outcome).Inc()
		m.LookupDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) StaleResponse() {
	if m != nil {
		m.StaleResponses.Inc()
	}
}

func (m *Metrics) TerminologyExpanded(outcome string) {
	if m != nil {
		m.TerminologyExpansions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) JournalResult(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.JournalFailed.Inc()
		return
	}
	m.JournalProduced.Inc()
}

// BreakerStateChanged maps a breaker state name to the gauge value.
func (m *Metrics) BreakerStateChanged(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// RegisterPool exports the lookup pool's queue and task counters, read on scrape.
func (m *Metrics) RegisterPool(stats func() workerpool.Stats) error {
	if m == nil {
		return nil
	}
	gauge := func(name, help string, v func(workerpool.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return v(stats()) })
	}
	counter := func(name, help string, v func(workerpool.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return v(stats()) })
	}

	collectors := []prometheus.Collector{
		gauge("lookup_pool_queue_depth", "Lookup tasks waiting for a worker",
			func(s workerpool.Stats) float64 { return float64(s.QueueDepth) }),
		gauge("lookup_pool_queue_capacity", "Lookup task queue capacity",
			func(s workerpool.Stats) float64 { return float64(s.QueueCapacity) }),
		gauge("lookup_pool_active_workers", "Running lookup workers",
			func(s workerpool.Stats) float64 { return float64(s.ActiveWorkers) }),
		counter("lookup_pool_tasks_submitted_total", "Lookup tasks accepted by the pool",
			func(s workerpool.Stats) float64 { return float64(s.TasksSubmitted) }),
		counter("lookup_pool_tasks_failed_total", "Lookup tasks that failed after all attempts",
			func(s workerpool.Stats) float64 { return float64(s.TasksFailed) }),
		counter("lookup_pool_retries_total", "Lookup attempts retried after a failure",
			func(s workerpool.Stats) float64 { return float64(s.TasksRetried) }),
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			return fmt.Errorf("register pool metrics: %w", err)
		}
	}
	return nil
}

// Handler returns the Prometheus HTTP handler for the registry metrics were created with
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
