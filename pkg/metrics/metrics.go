// Package metrics 定义进程内的 Prometheus 指标，通过 /metrics 暴露。
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_chunks_total",
			Help: "Import chunks that reached a terminal status",
		},
		[]string{"status"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_total",
			Help: "Catalog records written, by created or updated",
		},
		[]string{"kind"},
	)

	UploadsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_uploads_finalized_total",
			Help: "Uploads that reached a terminal status",
		},
		[]string{"status"},
	)

	UploadsStuck = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_uploads_stuck_total",
			Help: "Uploads whose aggregator gave up waiting for chunks or children",
		},
	)

	EnrichmentBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_enrichment_batches_total",
			Help: "Enrichment batches sent to the external matcher",
		},
		[]string{"result"},
	)

	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_tasks_total",
			Help: "Queue tasks that failed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_task_duration_seconds",
			Help:    "Time spent processing one queue task",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5min
		},
		[]string{"kind"},
	)
)

// Handler 返回挂载在 gin 上的 promhttp handler。
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
