// Package metrics exposes the node's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketd"

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsApplied    *prometheus.CounterVec
	eventsDuplicate  *prometheus.CounterVec
	eventsIgnored    *prometheus.CounterVec
	submissions      *prometheus.CounterVec
	verdictWait      prometheus.Histogram
	reconcileRuns    *prometheus.CounterVec
	ledgerReadErrors prometheus.Counter
	persistErrors    prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "applied_total",
			Help:      "Ledger events applied to state, by kind.",
		}, []string{"kind"}),
		eventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "duplicate_total",
			Help:      "Ledger events skipped as redeliveries, by kind.",
		}, []string{"kind"}),
		eventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "ignored_total",
			Help:      "Ledger events that matched nothing in state, by kind.",
		}, []string{"kind"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "total",
			Help:      "Submission workflows by terminal phase.",
		}, []string{"phase"}),
		verdictWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "verdict_wait_seconds",
			Help:      "Time from transaction send to oracle verdict.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 180, 240, 300},
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by mode (ledger or cache_only).",
		}, []string{"mode"}),
		ledgerReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "ledger_read_errors_total",
			Help:      "Per-bounty ledger reads that failed during reconciliation.",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "write_errors_total",
			Help:      "Failed writes to the off-chain cache.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsApplied,
		m.eventsDuplicate,
		m.eventsIgnored,
		m.submissions,
		m.verdictWait,
		m.reconcileRuns,
		m.ledgerReadErrors,
		m.persistErrors,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventApplied(kind string) {
	if m != nil {
		m.eventsApplied.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDuplicate(kind string) {
	if m != nil {
		m.eventsDuplicate.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventIgnored(kind string) {
	if m != nil {
		m.eventsIgnored.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SubmissionFinished(phase string) {
	if m != nil {
		m.submissions.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) VerdictWait(d time.Duration) {
	if m != nil {
		m.verdictWait.Observe(d.Seconds())
	}
}

func (m *Metrics) ReconcileRun(cacheOnly bool) {
	if m == nil {
		return
	}
	mode := "ledger"
	if cacheOnly {
		mode = "cache_only"
	}
	m.reconcileRuns.WithLabelValues(mode).Inc()
}

func (m *Metrics) LedgerReadError() {
	if m != nil {
		m.ledgerReadErrors.Inc()
	}
}

func (m *Metrics) CacheWriteError() {
	if m != nil {
		m.persistErrors.Inc()
	}
}
