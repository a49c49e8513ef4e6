// Package metrics exposes Prometheus collectors for orchestrator activity.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iambrandonn/orca/internal/protocol"
)

const namespace = "orca"

// Metrics implements the observer interfaces of the stream, container,
// classify and task packages. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	tasksTotal       *prometheus.CounterVec
	tasksActive      prometheus.Gauge
	containersLive   prometheus.Gauge
	acquireSeconds   *prometheus.HistogramVec
	containersReaped prometheus.Counter
	eventsTotal      *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	malformed        prometheus.Counter
	classifications  *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same name. reg defaults to a fresh
// registry.
func MustNewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{gatherer: reg}
	m.tasksTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status"}))
	m.tasksActive = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_active",
		Help:      "Tasks currently queued, running or awaiting input.",
	}))
	m.containersLive = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "containers_live",
		Help:      "Containers in the registry that have not been removed.",
	}))
	m.acquireSeconds = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "container_acquire_seconds",
		Help:      "Time spent acquiring a task container.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"}))
	m.containersReaped = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "containers_reaped_total",
		Help:      "Idle containers removed by the reaper.",
	}))
	m.eventsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Events delivered to task consumers.",
	}, []string{"type"}))
	m.eventsDropped = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because a consumer fell behind.",
	}))
	m.malformed = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_records_total",
		Help:      "Agent output records that could not be parsed.",
	}))
	m.classifications = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifications_total",
		Help:      "Inbound messages classified, by intent and decision source.",
	}, []string{"intent", "source"}))
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) EventEmitted(t protocol.EventType) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) EventDropped(protocol.EventType) {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) AcquireObserved(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.acquireSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ContainersLive(n int) {
	if m == nil {
		return
	}
	m.containersLive.Set(float64(n))
}

func (m *Metrics) ContainerReaped() {
	if m == nil {
		return
	}
	m.containersReaped.Inc()
}

func (m *Metrics) Classified(kind, source string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

func (m *Metrics) TaskFinished(status protocol.TaskStatus) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.tasksTotal.WithLabelValues(string(status)).Inc()
}
