package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileTotal counts dispatched events by kind and outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "reconcile",
		Name:      "events_total",
		Help:      "Reconciled events by event kind and outcome.",
	}, []string{"kind", "outcome"})

	// ReconcileDuration tracks end-to-end reconciliation latency.
	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billingsync",
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Reconciliation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// ConflictRetries counts commits that lost an optimistic concurrency race.
	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "reconcile",
		Name:      "conflict_retries_total",
		Help:      "Commits retried after a version mismatch.",
	}, []string{"kind"})

	// TransitionsTotal counts committed status transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "reconcile",
		Name:      "transitions_total",
		Help:      "Committed subscription status transitions.",
	}, []string{"from", "to"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billingsync",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	SweepCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "sweep",
		Name:      "candidates_total",
		Help:      "Subscriptions enumerated by sweep kind.",
	}, []string{"kind"})

	SweepResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "sweep",
		Name:      "results_total",
		Help:      "Sweep outcomes by sweep kind and result.",
	}, []string{"kind", "result"})

	// ProviderCalls counts billing provider calls by operation and result.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Billing provider calls by operation and result.",
	}, []string{"operation", "result"})

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "billingsync",
		Subsystem: "provider",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per breaker name.",
	}, []string{"name"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Lifecycle notifications by channel and result.",
	}, []string{"channel", "result"})
)
