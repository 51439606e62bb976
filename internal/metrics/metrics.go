// Package metrics defines the Prometheus instruments exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesCommitted counts messages durably appended to a conversation.
	MessagesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercurio_messages_committed_total",
		Help: "Messages committed to the conversation store.",
	})

	// CommandsDeduped counts submissions answered from the idempotency record
	// without re-executing the operation.
	CommandsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercurio_commands_deduped_total",
		Help: "Command submissions answered from a recorded outcome.",
	})

	// Deliveries counts delivery decisions by tier (live, queued, pull).
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mercurio_deliveries_total",
		Help: "Delivery decisions by tier.",
	}, []string{"tier"})

	// Acks counts acknowledged deliveries.
	Acks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercurio_acks_total",
		Help: "Delivery acknowledgments received.",
	})

	// JobsRetried counts retry-queue jobs rescheduled after a failure.
	JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercurio_jobs_retried_total",
		Help: "Retry-queue jobs rescheduled with backoff.",
	})

	// JobsDead counts jobs moved to the dead-letter set.
	JobsDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercurio_jobs_dead_total",
		Help: "Retry-queue jobs dead-lettered after exhausting attempts.",
	})
)
