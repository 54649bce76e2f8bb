// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics provides Prometheus instrumentation for the ingestion
// pipeline: feed connection health, snapshot merge throughput and latency,
// store errors, and API request metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Feed client metrics
	FeedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_messages_total",
			Help: "Total number of inbound feed messages by type",
		},
		[]string{"type"}, // "stats", "other", "malformed"
	)

	FeedReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total number of feed reconnection attempts",
		},
	)

	FeedConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_connected",
			Help: "Whether the upstream feed connection is established (1) or not (0)",
		},
	)

	FeedConfigsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_configs_sent_total",
			Help: "Total number of subscription config messages sent upstream",
		},
	)

	// Merge engine metrics
	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "merge_duration_seconds",
			Help:    "Duration of snapshot merges in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merges_total",
			Help: "Total number of snapshot merges by shift slot",
		},
		[]string{"shift"},
	)

	SnapshotsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshots_dropped_total",
			Help: "Total number of snapshots dropped before persisting",
		},
		[]string{"reason"}, // "invalid", "store_error", "breaker_open"
	)

	// Store metrics
	StoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Total number of day-document store failures",
		},
	)

	StoreConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_conflict_retries_total",
			Help: "Total number of transaction conflicts retried during upsert",
		},
	)

	// Dashboard WebSocket metrics
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Current number of connected dashboard WebSocket clients",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordAPIRequest records one completed API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMerge records one successful merge into the given shift slot.
func RecordMerge(shiftKey string, duration time.Duration) {
	MergesTotal.WithLabelValues(shiftKey).Inc()
	MergeDuration.Observe(duration.Seconds())
}
