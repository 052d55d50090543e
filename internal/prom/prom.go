// Package prom holds the service's prometheus collectors.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the prometheus namespace shared by all tokend metrics.
const Namespace = "tokend"

var (
	// Activations counts allocator activation attempts by outcome.
	Activations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pool",
		Name:      "activations_total",
		Help:      "Token activation attempts by outcome.",
	}, []string{"outcome"})

	// Preemptions counts activations that displaced the oldest active holder.
	Preemptions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pool",
		Name:      "preemptions_total",
		Help:      "Activations satisfied by preempting the oldest active token.",
	})

	// Expirations counts delayed-release job outcomes.
	Expirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "queue",
		Name:      "expirations_total",
		Help:      "Delayed-release executions by result.",
	}, []string{"result"})

	// QueueRetries counts delayed-release jobs that were rescheduled after an
	// error.
	QueueRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Delayed-release jobs rescheduled after an error.",
	})

	// ActiveTokens tracks the cache's view of how many tokens are active.
	ActiveTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "pool",
		Name:      "tokens_active",
		Help:      "Number of active tokens according to the state cache.",
	})
)
