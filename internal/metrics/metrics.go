// Package metrics exposes hub Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	camerasOnline    *prometheus.GaugeVec
	wsClients        prometheus.Gauge
	pollErrors       *prometheus.CounterVec
	notifyReconnects *prometheus.CounterVec
	eventsEmitted    *prometheus.CounterVec
	mqttPublishes    *prometheus.CounterVec
}

// New creates and registers all hub metrics
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.camerasOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nipcahub",
		Name:      "cameras_online",
		Help:      "Number of cameras currently online per provider",
	}, []string{"provider"})
	m.wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nipcahub",
		Name:      "websocket_clients",
		Help:      "Number of connected WebSocket clients",
	})
	m.pollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nipcahub",
		Name:      "poll_errors_total",
		Help:      "Number of failed camera attribute polls",
	}, []string{"camera"})
	m.notifyReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nipcahub",
		Name:      "notify_reconnects_total",
		Help:      "Number of notify stream re-opens",
	}, []string{"camera"})
	m.eventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nipcahub",
		Name:      "events_total",
		Help:      "Number of camera events by type",
	}, []string{"type"})
	m.mqttPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nipcahub",
		Name:      "mqtt_publishes_total",
		Help:      "Number of MQTT bridge publishes by status",
	}, []string{"status"})

	m.registry.MustRegister(
		m.camerasOnline, m.wsClients,
		m.pollErrors, m.notifyReconnects,
		m.eventsEmitted, m.mqttPublishes,
	)

	return m
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetCamerasOnline sets the online camera count for a provider
func (m *Metrics) SetCamerasOnline(provider string, count int) {
	m.camerasOnline.WithLabelValues(provider).Set(float64(count))
}

// SetWSClients sets the connected WebSocket client count
func (m *Metrics) SetWSClients(count int) {
	m.wsClients.Set(float64(count))
}

// IncPollError counts a failed attribute poll
func (m *Metrics) IncPollError(camera string) {
	m.pollErrors.WithLabelValues(camera).Inc()
}

// IncNotifyReconnect counts a notify stream re-open
func (m *Metrics) IncNotifyReconnect(camera string) {
	m.notifyReconnects.WithLabelValues(camera).Inc()
}

// IncEvent counts an emitted camera event
func (m *Metrics) IncEvent(eventType string) {
	m.eventsEmitted.WithLabelValues(eventType).Inc()
}

// IncMQTTPublish counts an MQTT bridge publish
func (m *Metrics) IncMQTTPublish(status string) {
	m.mqttPublishes.WithLabelValues(status).Inc()
}
