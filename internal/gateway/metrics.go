package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics carries the gateway's instruments on a private registry so tests
// can run servers side by side without collisions.
type Metrics struct {
	registry *prometheus.Registry

	openConnections prometheus.Gauge
	deliveredEvents *prometheus.CounterVec
	droppedEvents   prometheus.Counter
	authFailures    prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		openConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "livesync",
			Name:      "open_connections",
			Help:      "Currently open websocket connections.",
		}),
		deliveredEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesync",
			Name:      "delivered_events_total",
			Help:      "Events delivered to subscribers, by envelope type.",
		}, []string{"type"}),
		droppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "livesync",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a subscriber's send buffer was full.",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "livesync",
			Name:      "auth_failures_total",
			Help:      "Rejected connection and publish attempts.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
