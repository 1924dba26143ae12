package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	taskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unified_store_maintenance_task_runs_total",
			Help: "Background maintenance task runs by task and outcome",
		},
		[]string{"task", "outcome"}, // outcome: ok, error
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unified_store_maintenance_task_duration_seconds",
			Help:    "Background maintenance task duration by task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	itemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unified_store_maintenance_items_processed_total",
			Help: "Items processed by a maintenance task (memories decayed, accesses flushed, hashes backfilled)",
		},
		[]string{"task"},
	)

	providerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unified_store_provider_state",
			Help: "1 if the provider reported healthy on the last poll, else 0",
		},
		[]string{"provider", "role"},
	)
)

func init() {
	prometheus.MustRegister(taskRunsTotal, taskDuration, itemsProcessedTotal, providerStateGauge)
}
