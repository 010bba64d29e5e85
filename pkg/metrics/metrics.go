// Package metrics defines the Prometheus instrumentation for the automation
// engine. All vectors are registered via promauto at package load; the HTTP
// API exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook and ingestion metrics
var (
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_notifications_total",
			Help: "Total number of push notifications received",
		},
		[]string{"result"}, // accepted, stale, invalid
	)

	IngestionPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_ingestion_passes_total",
			Help: "Total number of ingestion passes by outcome",
		},
		[]string{"outcome"}, // ok, resync, error
	)

	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailtriage_ingestion_duration_seconds",
			Help:    "Duration of a single ingestion pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AffectedSendersPerPass = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailtriage_affected_senders_per_pass",
			Help:    "Distinct senders affected per ingestion pass",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
)

// Provider gateway metrics
var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_provider_calls_total",
			Help: "Total number of mail provider API calls",
		},
		[]string{"operation", "status"}, // operation: watch, history, filter_create, filter_delete, archive; status: success, transient, auth
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailtriage_provider_call_duration_seconds",
			Help:    "Duration of mail provider API calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	ActiveWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailtriage_active_watches",
			Help: "Number of mailbox watch subscriptions currently active",
		},
	)

	DegradedWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailtriage_degraded_watches",
			Help: "Number of subscriptions whose renewal retries are exhausted",
		},
	)
)

// Classifier metrics
var (
	ClassifierCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_classifier_calls_total",
			Help: "Total number of classifier invocations by result",
		},
		[]string{"result"}, // success, timeout, quota_exceeded, error
	)
)

// Rule engine metrics
var (
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_status_transitions_total",
			Help: "Total number of sender automation status transitions",
		},
		[]string{"to_status"},
	)

	FilterReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_filter_reconciliations_total",
			Help: "Total number of provider filter reconciliations by kind",
		},
		[]string{"kind"}, // created, reused, deleted, healed
	)
)
