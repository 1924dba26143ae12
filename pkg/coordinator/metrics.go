package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	storesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unified_store_stores_total",
			Help: "Total number of store() calls by outcome",
		},
		[]string{"outcome"}, // written, duplicate, failed
	)

	storeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unified_store_store_duration_seconds",
			Help:    "Time taken by store() end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unified_store_queries_total",
			Help: "Total number of query() calls by query type",
		},
		[]string{"query_type"}, // empty, vector
	)

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unified_store_query_duration_seconds",
			Help:    "Time taken by query() end to end, by query type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	providerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unified_store_provider_failures_total",
			Help: "Provider operation failures by provider name and operation",
		},
		[]string{"provider", "operation"},
	)

	mirrorQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unified_store_mirror_queue_depth",
			Help: "Pending mirror fan-out entries per secondary provider",
		},
		[]string{"provider"},
	)

	mirrorDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unified_store_mirror_dropped_total",
			Help: "Mirror writes dropped due to queue overflow, by provider",
		},
		[]string{"provider"},
	)

	dedupDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unified_store_dedup_decisions_total",
			Help: "Dedup pipeline decisions by tier and decision",
		},
		[]string{"tier", "decision"},
	)
)

func init() {
	prometheus.MustRegister(
		storesTotal,
		storeDuration,
		queriesTotal,
		queryDuration,
		providerFailuresTotal,
		mirrorQueueDepth,
		mirrorDroppedTotal,
		dedupDecisionsTotal,
	)
}

// timer is a small helper for observing operation durations, mirroring the
// pattern used for every other histogram in this package.
type timer struct{ start time.Time }

func newTimer() timer { return timer{start: time.Now()} }

func (t timer) observeSeconds(h prometheus.Histogram) { h.Observe(time.Since(t.start).Seconds()) }

func (t timer) observeSecondsVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
