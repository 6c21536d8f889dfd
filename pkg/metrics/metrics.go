package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "stratum", Name: "cache_hits_total", Help: "Cache hits by category."},
		[]string{"category"},
	)
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "stratum", Name: "cache_misses_total", Help: "Cache misses by category."},
		[]string{"category"},
	)
	CacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "stratum", Name: "cache_invalidations_total", Help: "Category-level cache invalidations."},
		[]string{"category"},
	)
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stratum",
			Name:      "query_duration_seconds",
			Help:      "Storage operation latency by collection and operation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"collection", "operation"},
	)
	BatchOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "stratum", Name: "batch_operations_total", Help: "Batch operations by collection and outcome."},
		[]string{"collection", "outcome"},
	)
	SessionRotations = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "stratum", Name: "session_rotations_total", Help: "Completed token rotations."},
	)
	StorageReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "stratum", Name: "storage_reconnects_total", Help: "Reconnection attempts against the document store."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(CacheHits, CacheMisses, CacheInvalidations, QueryDuration, BatchOperations, SessionRotations, StorageReconnects)
}
