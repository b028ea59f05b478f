package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts Stripe webhook deliveries by event type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botvip",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Stripe webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "botvip",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// GrantsTotal counts access grants by outcome (new, renewal, duplicate, stale, failed).
	GrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botvip",
		Subsystem: "access",
		Name:      "grants_total",
		Help:      "Access grants by outcome.",
	}, []string{"outcome"})

	// RevocationsTotal counts access revocations by outcome.
	RevocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botvip",
		Subsystem: "access",
		Name:      "revocations_total",
		Help:      "Access revocations by outcome.",
	}, []string{"outcome"})

	FollowupsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botvip",
		Subsystem: "followup",
		Name:      "sent_total",
		Help:      "Follow-up messages sent.",
	})

	// FollowupsCancelledTotal counts chains cancelled by reason.
	FollowupsCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botvip",
		Subsystem: "followup",
		Name:      "cancelled_total",
		Help:      "Follow-up chains cancelled by reason.",
	}, []string{"reason"})

	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botvip",
		Subsystem: "checkout",
		Name:      "sessions_total",
		Help:      "Checkout sessions created by plan and outcome.",
	}, []string{"plan", "outcome"})

	LapsedAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botvip",
		Subsystem: "worker",
		Name:      "lapsed_alerts_total",
		Help:      "Ops alerts raised for subscriptions past their period end.",
	})
)
