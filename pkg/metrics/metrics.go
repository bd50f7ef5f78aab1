// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the BLE bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Frame traffic
	FramesRx *prometheus.CounterVec
	FramesTx *prometheus.CounterVec

	// Correlation
	PendingRequests     prometheus.Gauge
	CommandsTotal       *prometheus.CounterVec
	CorrelationTimeouts prometheus.Counter
	DroppedResponses    prometheus.Counter

	// Fetch proxy
	FetchRequests *prometheus.CounterVec
	FetchErrors   *prometheus.CounterVec
	FetchDuration prometheus.Histogram

	// Binary transfers
	ChunksRx prometheus.Counter
	ChunksTx prometheus.Counter
	BytesRx  prometheus.Counter
	BytesTx  prometheus.Counter

	// Session lifecycle
	SessionState prometheus.Gauge
	Reconnects   prometheus.Counter
	Syncs        *prometheus.CounterVec
}

// New creates a Metrics instance registered on reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "blebridge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FramesRx: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_rx_total",
				Help:      "Inbound text frames by decoded kind",
			},
			[]string{"kind"},
		),
		FramesTx: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_tx_total",
				Help:      "Outbound text frames by kind",
			},
			[]string{"kind"},
		),
		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Commands awaiting a response",
			},
		),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands submitted by subsystem and result status",
			},
			[]string{"subsystem", "status"},
		),
		CorrelationTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "correlation_timeouts_total",
				Help:      "Commands that expired without a matching response",
			},
		),
		DroppedResponses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_responses_total",
				Help:      "Responses whose id had no pending request",
			},
		),
		FetchRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_requests_total",
				Help:      "Proxied HTTP fetches by method",
			},
			[]string{"method"},
		),
		FetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_errors_total",
				Help:      "Failed proxied fetches by reason",
			},
			[]string{"reason"},
		),
		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Proxied HTTP fetch duration",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ChunksRx: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_rx_total",
				Help:      "Binary chunks received",
			},
		),
		ChunksTx: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_tx_total",
				Help:      "Binary chunks sent",
			},
		),
		BytesRx: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "binary_bytes_rx_total",
				Help:      "Binary payload bytes received",
			},
		),
		BytesTx: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "binary_bytes_tx_total",
				Help:      "Binary payload bytes sent",
			},
		),
		SessionState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "Session state (0 disconnected, 1 connecting, 2 connected, 3 synced)",
			},
		),
		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Reconnect attempts after a disconnect",
			},
		),
		Syncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syncs_total",
				Help:      "Time sync handshakes by result",
			},
			[]string{"result"},
		),
	}
}
