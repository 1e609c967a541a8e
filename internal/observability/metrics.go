package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	wsConnections      prometheus.Gauge
	wsEventsTotal      *prometheus.CounterVec
	messagesSentTotal  *prometheus.CounterVec
	fanoutDroppedTotal prometheus.Counter
	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors for the chat gateway and REST API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_ws_connections",
			Help: "Number of live websocket connections.",
		})

		wsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Inbound websocket events by type and result.",
		}, []string{"event", "result"})

		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages committed, by the transport that accepted them.",
		}, []string{"transport"})

		fanoutDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_fanout_dropped_total",
			Help: "Outbound frames dropped because a connection send buffer was full.",
		})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of REST requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_latency_seconds",
			Help:    "Latency distribution for REST requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		prometheus.MustRegister(wsConnections, wsEventsTotal, messagesSentTotal, fanoutDroppedTotal,
			httpRequestsTotal, httpLatencySeconds)
	})
}

// WSConnections exposes the live connection gauge.
func WSConnections() prometheus.Gauge {
	RegisterMetrics()
	return wsConnections
}

// WSEvents exposes the inbound event counter.
func WSEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return wsEventsTotal
}

// MessagesSent exposes the committed message counter.
func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

// FanoutDropped exposes the counter of frames lost to slow consumers.
func FanoutDropped() prometheus.Counter {
	RegisterMetrics()
	return fanoutDroppedTotal
}

// HTTPRequests exposes the REST request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the REST latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}
