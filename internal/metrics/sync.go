package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sync and query Prometheus metrics.
var (
	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldmark",
			Name:      "sync_cycles_total",
			Help:      "Total number of sync cycles",
		},
		[]string{"outcome"}, // "ok" / "offline" / "error"
	)

	SyncPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldmark",
			Name:      "sync_pushes_total",
			Help:      "Total number of push attempts",
		},
		[]string{"result"}, // "ok" / "conflict" / "unreachable"
	)

	SyncRecordsPulledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fieldmark",
			Name:      "sync_records_pulled_total",
			Help:      "Total remote records applied to the local cache",
		},
	)

	CachedRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fieldmark",
			Name:      "cached_records",
			Help:      "Approved, fetched records currently visible in the local cache",
		},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fieldmark",
			Name:      "query_duration_seconds",
			Help:      "Query evaluation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

var syncMetricsRegistered bool

// RegisterSyncMetrics registers sync and query metrics. Must be called once from main.
func RegisterSyncMetrics() {
	if syncMetricsRegistered {
		return
	}
	prometheus.MustRegister(SyncCyclesTotal)
	prometheus.MustRegister(SyncPushesTotal)
	prometheus.MustRegister(SyncRecordsPulledTotal)
	prometheus.MustRegister(CachedRecords)
	prometheus.MustRegister(QueryDuration)
	syncMetricsRegistered = true
}
