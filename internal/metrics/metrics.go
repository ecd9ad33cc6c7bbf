// Package metrics declares the Prometheus collectors of the chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections is the number of open WebSocket sessions on this instance.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teamchat",
		Name:      "connections",
		Help:      "Open WebSocket sessions on this instance.",
	})

	// Rooms is the number of channels with at least one local connection.
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teamchat",
		Name:      "rooms",
		Help:      "Channels with at least one local connection.",
	})

	// EventsHandled counts inbound client events by kind and result code.
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamchat",
		Name:      "events_handled_total",
		Help:      "Inbound client events by kind and result.",
	}, []string{"kind", "result"})

	// PublishFailures counts failed fan-out bus publishes by event kind.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamchat",
		Name:      "bus_publish_failures_total",
		Help:      "Failed fan-out bus publishes by event kind.",
	}, []string{"kind"})

	// Redelivered counts events published by the redelivery queue.
	Redelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teamchat",
		Name:      "bus_redelivered_total",
		Help:      "Events published late by the redelivery queue.",
	})

	// RedeliveryDropped counts queued events discarded because the queue was full.
	RedeliveryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teamchat",
		Name:      "bus_redelivery_dropped_total",
		Help:      "Queued events discarded because the redelivery queue was full.",
	})

	// DroppedFrames counts outbound frames not queued because a client buffer was full.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teamchat",
		Name:      "dropped_frames_total",
		Help:      "Outbound frames dropped because a client send buffer was full.",
	})
)
