// Package metrics exposes signaling counters in Prometheus format.
//
// All methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callroom"

// Call outcomes.
const (
	CallStarted      = "started"
	CallFailed       = "failed"
	CallAccepted     = "accepted"
	CallRejected     = "rejected"
	CallEnded        = "ended"
	CallDisconnected = "disconnected"
	CallTimeout      = "timeout"
)

// History write results.
const (
	WriteOK     = "ok"
	WriteFailed = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	calls           *prometheus.CounterVec
	historyWrites   *prometheus.CounterVec
	connections     prometheus.Gauge
	outboundDropped prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "events_total",
			Help:      "Signaling events processed by the router.",
		}, []string{"event"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Call lifecycle transitions by outcome.",
		}, []string{"outcome"}),
		historyWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_writes_total",
			Help:      "Call history records handed to the sink.",
		}, []string{"result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open signaling connections.",
		}),
		outboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "Outbound messages dropped because the connection was gone or saturated.",
		}),
	}
	m.registry.MustRegister(
		m.events,
		m.calls,
		m.historyWrites,
		m.connections,
		m.outboundDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) Call(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HistoryWrite(result string) {
	if m == nil {
		return
	}
	m.historyWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) OutboundDropped() {
	if m == nil {
		return
	}
	m.outboundDropped.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
