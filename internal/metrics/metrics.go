package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgeji_submissions_total",
			Help: "Total number of graded submissions by final status",
		},
		[]string{"language", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "judgeji_execution_duration_ms",
			Help:    "Sandbox phase duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language", "phase"}, // phase: "compile", "run"
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judgeji_queue_depth",
			Help: "Current number of submissions waiting for a worker",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judgeji_active_workers",
			Help: "Number of workers currently processing submissions",
		},
	)

	MemoryUsage = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "judgeji_memory_usage_kb",
			Help:    "Peak memory usage per run in KB",
			Buckets: []float64{1024, 4096, 16384, 65536, 131072, 262144},
		},
		[]string{"language"},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "judgeji_container_creation_ms",
			Help:    "Time to create and start a sandbox container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgeji_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgeji_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // "delivered", "rejected", "failed", "skipped"
	)

	StepReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgeji_step_replays_total",
			Help: "Workflow steps served from a recorded checkpoint",
		},
		[]string{"step"},
	)

	Retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgeji_retries_total",
			Help: "Submissions re-queued after a failed attempt",
		},
	)
)
