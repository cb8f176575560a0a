// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ingest"

var RecordsInserted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_inserted_total",
		Help:      "Records newly inserted by batch commits. Replayed rows are not counted.",
	},
)

var RowsRejected = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_rejected_total",
		Help:      "Rows rejected by the parser or the normalizer.",
	},
)

var BatchRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_retries_total",
		Help:      "Batch commits retried after a transient store error.",
	},
)

var BatchCommitSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_commit_seconds",
		Help:      "Wall time of one batch commit including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	},
)

var TasksClaimed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_claimed_total",
		Help:      "Task deliveries claimed by workers.",
	},
)

var TaskTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task state transitions by target state.",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(RecordsInserted)
	prometheus.MustRegister(RowsRejected)
	prometheus.MustRegister(BatchRetries)
	prometheus.MustRegister(BatchCommitSeconds)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TaskTransitions)
}
