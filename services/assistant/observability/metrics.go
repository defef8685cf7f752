// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the assistant core.
//
// # Description
//
// Metrics cover the full message path: connection lifecycle, gate
// rejections, provider latency and retries, and fallback activations.
// Exposed via the /metrics endpoint for Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "assistant"

// ChatMetrics holds all Prometheus metrics for the chat path.
//
// # Fields
//
//   - ActiveConnections: Gauge of live WebSocket connections.
//   - ConnectionsTotal: Counter of connections by outcome
//     (accepted, rejected_origin, evicted).
//   - MessagesTotal: Counter of messages by direction and outcome.
//   - GateRejectionsTotal: Counter of gate rejections by reason.
//   - ProviderLatencySeconds: Histogram of completion-call latency.
//   - ProviderRetriesTotal: Counter of provider retries.
//   - FallbacksTotal: Counter of fallback replies by flavor
//     (knowledge, generic).
//   - SessionsExpiredTotal: Counter of idle-expired sessions.
type ChatMetrics struct {
	ActiveConnections      prometheus.Gauge
	ConnectionsTotal       *prometheus.CounterVec
	MessagesTotal          *prometheus.CounterVec
	GateRejectionsTotal    *prometheus.CounterVec
	ProviderLatencySeconds prometheus.Histogram
	ProviderRetriesTotal   prometheus.Counter
	FallbacksTotal         *prometheus.CounterVec
	SessionsExpiredTotal   prometheus.Counter
}

// DefaultMetrics is the singleton instance. Initialized by InitMetrics();
// nil until then, so instrumented code must nil-check.
var DefaultMetrics *ChatMetrics

// InitMetrics initializes the default metrics instance. Call once at
// startup. Calling twice would panic on duplicate registration, so the
// second call returns the existing instance.
func InitMetrics() *ChatMetrics {
	if DefaultMetrics != nil {
		return DefaultMetrics
	}
	DefaultMetrics = &ChatMetrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections.",
		}),
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Connections by outcome.",
		}, []string{"outcome"}),
		MessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Messages by direction and outcome.",
		}, []string{"direction", "outcome"}),
		GateRejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gate_rejections_total",
			Help:      "Gate rejections by reason.",
		}, []string{"reason"}),
		ProviderLatencySeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "provider_latency_seconds",
			Help:      "Completion-call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		ProviderRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "provider_retries_total",
			Help:      "Provider calls retried after a transient failure.",
		}),
		FallbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fallbacks_total",
			Help:      "Fallback replies by flavor.",
		}, []string{"flavor"}),
		SessionsExpiredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_expired_total",
			Help:      "Sessions expired by the idle sweeper.",
		}),
	}
	return DefaultMetrics
}
