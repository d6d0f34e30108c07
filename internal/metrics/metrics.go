// Package metrics defines Prometheus metrics for the broker.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbus_websocket_connections",
			Help: "Active WebSocket sessions",
		},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbus_events_published_total",
			Help: "Events accepted for fan-out by origin",
		},
		[]string{"origin"},
	)

	EventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbus_events_delivered_total",
			Help: "Event copies pushed to subscriber sessions",
		},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbus_frames_dropped_total",
			Help: "Inbound frames dropped by reason",
		},
		[]string{"reason"},
	)

	AdmissionDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbus_admission_denied_total",
			Help: "Connections refused by the per-tenant cap",
		},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbus_webhook_deliveries_total",
			Help: "Webhook POST attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbus_webhook_queue_depth",
			Help: "Pending webhook deliveries",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WSConnections,
		EventsPublished,
		EventsDelivered,
		FramesDropped,
		AdmissionDenied,
		WebhookDeliveries,
		WebhookQueueDepth,
	)
}
