package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by workflow template",
		},
		[]string{"workflow"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by workflow template and error code",
		},
		[]string{"workflow", "error_code"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Duration of job processing in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"workflow"},
	)

	WebsocketReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_websocket_reconnects_total",
			Help: "Total number of monitoring channel reconnect attempts",
		},
	)

	AssetsCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_assets_collected_total",
			Help: "Total number of output assets collected by kind",
		},
		[]string{"kind"},
	)
)
