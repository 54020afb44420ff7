// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhooks_received_total",
			Help: "Webhook notifications received, by provider and result",
		},
		[]string{"provider", "result"},
	)

	ReconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconcile_outcomes_total",
			Help: "Reconciliation outcomes by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ReconcileConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_reconcile_conflicts_total",
			Help: "Optimistic concurrency conflicts retried during reconciliation",
		},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_provider_call_duration_seconds",
			Help:    "Duration of outbound provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "op"},
	)

	ProviderCallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_provider_call_errors_total",
			Help: "Failed outbound provider calls by class",
		},
		[]string{"provider", "op", "class"},
	)

	DunningActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_dunning_actions_total",
			Help: "Dunning sweep actions (warned, suspended, suspend_failed, suspend_diverged, skipped)",
		},
		[]string{"action"},
	)

	DunningSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_dunning_sweep_duration_seconds",
			Help:    "Duration of a full dunning sweep",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	SuspendRetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_suspend_retry_queue_depth",
			Help: "Suspend calls waiting for another attempt",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_notifications_total",
			Help: "Outbound owner notifications by result",
		},
		[]string{"result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
