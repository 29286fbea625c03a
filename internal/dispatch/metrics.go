package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peagen",
		Subsystem: "dispatch",
		Name:      "dispatched_total",
		Help:      "Envelopes handed to a worker, by pool.",
	}, []string{"pool"})

	requeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peagen",
		Subsystem: "dispatch",
		Name:      "requeued_total",
		Help:      "Envelopes returned to the queue, by pool and reason.",
	}, []string{"pool", "reason"})

	evictedWorkersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peagen",
		Subsystem: "dispatch",
		Name:      "evicted_workers_total",
		Help:      "Workers evicted after missing heartbeats.",
	})

	exhaustedTasksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peagen",
		Subsystem: "dispatch",
		Name:      "exhausted_tasks_total",
		Help:      "Tasks failed after exceeding the attempt cap.",
	})
)
