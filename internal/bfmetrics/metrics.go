package bfmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billfold",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billfold",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SyncTotal counts subscription sync attempts by outcome.
	SyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billfold",
		Subsystem: "sync",
		Name:      "total",
		Help:      "Total subscription sync runs by outcome.",
	}, []string{"outcome"})

	// SyncRetries counts individual retried sync attempts.
	SyncRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billfold",
		Subsystem: "sync",
		Name:      "retries_total",
		Help:      "Total retried sync attempts after a transient failure.",
	})

	// CacheInvalidationsTotal counts cache invalidations by trigger.
	CacheInvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billfold",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Subscription cache invalidations by trigger.",
	}, []string{"trigger"})

	// CacheLookupsTotal counts cache lookups by result (hit/miss).
	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billfold",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Subscription cache lookups by result.",
	}, []string{"result"})
)
