// Package metrics exposes the gateway's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so packages can take one as an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botgate"

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsConnected prometheus.Gauge
	sessionsActive    prometheus.Gauge
	transitions       *prometheus.CounterVec
	reconnects        prometheus.Counter
	pairingTimeouts   prometheus.Counter
	admissionRejects  *prometheus.CounterVec
	commands          *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	wsClients         prometheus.Gauge
	eventsPublished   *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		sessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "connected",
			Help:      "Sessions currently in the connected state",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held by the registry",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Lifecycle state transitions",
		}, []string{"from", "to"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a recoverable close",
		}),
		pairingTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "pairing_timeouts_total",
			Help:      "Pairing artifacts that expired before the identity connected",
		}),
		admissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejected_total",
			Help:      "Attach attempts rejected by admission control",
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "executed_total",
			Help:      "Dispatched commands by name and result",
		}, []string{"command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Time spent running a command handler and sending its replies",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"command"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Connected event-channel clients",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "events_published_total",
			Help:      "Events published to rooms or broadcast",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsConnected,
		m.sessionsActive,
		m.transitions,
		m.reconnects,
		m.pairingTimeouts,
		m.admissionRejects,
		m.commands,
		m.commandDuration,
		m.wsClients,
		m.eventsPublished,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) SetConnected(n int) {
	if m == nil {
		return
	}
	m.sessionsConnected.Set(float64(n))
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) RecordPairingTimeout() {
	if m == nil {
		return
	}
	m.pairingTimeouts.Inc()
}

func (m *Metrics) RecordAdmissionReject(reason string) {
	if m == nil {
		return
	}
	m.admissionRejects.WithLabelValues(reason).Inc()
}

// RecordCommand counts one dispatch. result is "ok", "error", or "unknown".
func (m *Metrics) RecordCommand(name, result string, seconds float64) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, result).Inc()
	if result != "unknown" {
		m.commandDuration.WithLabelValues(name).Observe(seconds)
	}
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) RecordEvent(typ string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(typ).Inc()
}
