// Package metrics exposes client-side Prometheus collectors for the chat
// engine. Every method is safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connectionState       prometheus.Gauge
	connectionTransitions *prometheus.CounterVec
	eventsReceived        *prometheus.CounterVec
	eventsMalformed       *prometheus.CounterVec
	eventsDropped         *prometheus.CounterVec
	messagesMerged        prometheus.Counter
	historyRequests       *prometheus.CounterVec
	historyCacheHits      prometheus.Counter
}

// Config configures the collectors.
type Config struct {
	Namespace     string
	EnableRuntime bool
}

// New creates and registers the collectors.
func New(config Config) *Metrics {
	ns := config.Namespace
	if ns == "" {
		ns = "classchat"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 error).",
		}),
		connectionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_received_total",
			Help:      "Inbound realtime events by name.",
		}, []string{"event"}),
		eventsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_malformed_total",
			Help:      "Inbound events dropped because the payload could not be parsed.",
		}, []string{"event"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_dropped_total",
			Help:      "Events discarded because a subscriber buffer was full.",
		}, []string{"topic"}),
		messagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "timeline_messages_merged_total",
			Help:      "Messages added to a session timeline.",
		}),
		historyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "history_requests_total",
			Help:      "History requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		historyCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "history_cache_hits_total",
			Help:      "Older-history pages served from cache.",
		}),
	}

	m.registry.MustRegister(
		m.connectionState,
		m.connectionTransitions,
		m.eventsReceived,
		m.eventsMalformed,
		m.eventsDropped,
		m.messagesMerged,
		m.historyRequests,
		m.historyCacheHits,
	)

	if config.EnableRuntime {
		m.registry.MustRegister(collectors.NewGoCollector())
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

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

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionState(state int, name string) {
	if m == nil {
		return
	}

	m.connectionState.Set(float64(state))
	m.connectionTransitions.WithLabelValues(name).Inc()
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}

	m.eventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) EventMalformed(event string) {
	if m == nil {
		return
	}

	m.eventsMalformed.WithLabelValues(event).Inc()
}

func (m *Metrics) EventDropped(topic string) {
	if m == nil {
		return
	}

	m.eventsDropped.WithLabelValues(topic).Inc()
}

func (m *Metrics) MessagesMerged(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.messagesMerged.Add(float64(n))
}

func (m *Metrics) HistoryRequest(op, outcome string) {
	if m == nil {
		return
	}

	m.historyRequests.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) HistoryCacheHit() {
	if m == nil {
		return
	}

	m.historyCacheHits.Inc()
}
