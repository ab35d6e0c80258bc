package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's collectors. A nil *Metrics is valid and records
// nothing, so components can be built without one in tests.
type Metrics struct {
	registry *prometheus.Registry

	LinesTotal       *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	ActivePlayers    prometheus.Gauge
	RegistryChanges  *prometheus.CounterVec
	DroppedChanges   prometheus.Counter
	QueueDepth       prometheus.Gauge
	Evaluations      *prometheus.CounterVec
	ClassifyDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobbywatch",
			Name:      "lines_total",
			Help:      "Log lines dispatched, by consuming handler kind (none when unconsumed).",
		}, []string{"handler"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobbywatch",
			Name:      "handler_errors_total",
			Help:      "Handler failures, by handler kind and reason.",
		}, []string{"handler", "reason"}),
		ActivePlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobbywatch",
			Name:      "active_players",
			Help:      "Players currently in the registry.",
		}),
		RegistryChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobbywatch",
			Name:      "registry_changes_total",
			Help:      "Change notifications emitted by the registry, by kind.",
		}, []string{"kind"}),
		DroppedChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobbywatch",
			Name:      "dropped_changes_total",
			Help:      "Change notifications dropped because a subscriber was full.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobbywatch",
			Name:      "eval_queue_depth",
			Help:      "Items waiting in the evaluation queue.",
		}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobbywatch",
			Name:      "evaluations_total",
			Help:      "Processed evaluation items, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lobbywatch",
			Name:      "classify_duration_seconds",
			Help:      "Latency of classification calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	m.registry.MustRegister(
		m.LinesTotal,
		m.HandlerErrors,
		m.ActivePlayers,
		m.RegistryChanges,
		m.DroppedChanges,
		m.QueueDepth,
		m.Evaluations,
		m.ClassifyDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LineDispatched(handler string) {
	if m == nil {
		return
	}
	if handler == "" {
		handler = "none"
	}
	m.LinesTotal.WithLabelValues(handler).Inc()
}

func (m *Metrics) HandlerError(handler, reason string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(handler, reason).Inc()
}

func (m *Metrics) RegistryChange(kind string, active int) {
	if m == nil {
		return
	}
	m.RegistryChanges.WithLabelValues(kind).Inc()
	m.ActivePlayers.Set(float64(active))
}

func (m *Metrics) ChangeDropped() {
	if m == nil {
		return
	}
	m.DroppedChanges.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) Evaluated(kind, outcome string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveClassify(seconds float64) {
	if m == nil {
		return
	}
	m.ClassifyDuration.Observe(seconds)
}
