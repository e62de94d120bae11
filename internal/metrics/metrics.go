// Package metrics exposes session lifecycle telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zulandar/pkgyard/internal/session"
)

// Router event outcomes.
const (
	OutcomeHandled  = "handled"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Collector owns a registry with every pkgyard metric. It implements
// session.Observer.
type Collector struct {
	reg *prometheus.Registry

	transitions    *prometheus.CounterVec
	persistErrors  *prometheus.CounterVec
	listenerPanics *prometheus.CounterVec
	events         *prometheus.CounterVec
	eventDuration  prometheus.Histogram
	purged         prometheus.Counter
}

// New builds a collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pkgyard",
			Name:      "session_transitions_total",
			Help:      "Durable session state transitions.",
		}, []string{"operation", "from", "to"}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pkgyard",
			Name:      "persist_errors_total",
			Help:      "Session writes that failed after retries.",
		}, []string{"operation"}),
		listenerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pkgyard",
			Name:      "listener_panics_total",
			Help:      "Listener callbacks that panicked.",
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pkgyard",
			Name:      "router_events_total",
			Help:      "Platform status events seen by the router.",
		}, []string{"status", "preapproval", "outcome"}),
		eventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pkgyard",
			Name:      "router_event_duration_seconds",
			Help:      "Time from event receipt to handling completion.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pkgyard",
			Name:      "purged_sessions_total",
			Help:      "Terminal sessions removed by the purger.",
		}),
	}
	c.reg.MustRegister(
		c.transitions, c.persistErrors, c.listenerPanics,
		c.events, c.eventDuration, c.purged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) Transitioned(op session.Operation, from, to session.State) {
	c.transitions.WithLabelValues(string(op), from.Kind.String(), to.Kind.String()).Inc()
}

func (c *Collector) PersistFailed(op session.Operation, _ error) {
	c.persistErrors.WithLabelValues(string(op)).Inc()
}

func (c *Collector) ListenerPanicked(op session.Operation) {
	c.listenerPanics.WithLabelValues(string(op)).Inc()
}

// RouterEvent counts one routed event.
func (c *Collector) RouterEvent(status session.Status, preapproval bool, outcome string, took time.Duration) {
	pre := "false"
	if preapproval {
		pre = "true"
	}
	c.events.WithLabelValues(status.String(), pre, outcome).Inc()
	c.eventDuration.Observe(took.Seconds())
}

// Purged counts sessions removed by a purge run.
func (c *Collector) Purged(n int64) { c.purged.Add(float64(n)) }

// WatchSessions exports the number of sessions held in memory.
func (c *Collector) WatchSessions(count func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pkgyard",
		Name:      "cached_sessions",
		Help:      "Sessions held in the repository identity map.",
	}, func() float64 { return float64(count()) }))
}
