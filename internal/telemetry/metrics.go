/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics for the broadcast server.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, route and status.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bragicast_http_requests_total",
			Help: "Total HTTP requests processed.",
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bragicast_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bragicast_http_active_connections",
			Help: "In-flight HTTP requests.",
		},
	)

	// SignalingConnections gauges live signaling WebSocket connections.
	SignalingConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bragicast_signaling_connections",
			Help: "Live signaling connections.",
		},
	)

	// ActiveRooms gauges rooms currently registered.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bragicast_rooms_active",
			Help: "Rooms currently held in the registry.",
		},
	)

	// RelayListeners gauges attached HTTP stream listeners.
	RelayListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bragicast_relay_listeners",
			Help: "HTTP audio listeners currently attached.",
		},
	)

	// TranscoderStarts counts transcoder child launches, including lazy
	// restarts after a crash.
	TranscoderStarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bragicast_transcoder_starts_total",
			Help: "Transcoder child process launches.",
		},
	)

	// SignalingMessages counts signaling messages by type.
	SignalingMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bragicast_signaling_messages_total",
			Help: "Signaling control messages processed, by type.",
		},
		[]string{"type"},
	)

	// SourceConnects counts external source-client connection attempts.
	SourceConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bragicast_source_connects_total",
			Help: "External streaming server connection attempts, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
