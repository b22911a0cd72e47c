package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "thumb_jobs_enqueued_total", Help: "Total jobs enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "thumb_enqueue_rate_limit_rejects_total", Help: "EnqueueJob calls rejected by the per-user rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "thumb_jobs_completed_total", Help: "Jobs that reached completed"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "thumb_jobs_retried_total", Help: "Attempts that failed and were rescheduled"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "thumb_jobs_dead_letter_total", Help: "Jobs that exhausted all attempts"})
	StallReclaims    = prometheus.NewCounter(prometheus.CounterOpts{Name: "thumb_jobs_stalled_total", Help: "In-flight entries reclaimed after the stall window elapsed"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "thumb_queue_ready_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "thumb_queue_inflight", Help: "Jobs currently leased by a worker"})
	ProcessDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "thumb_process_duration_seconds", Help: "Media Processor wall-clock duration per attempt"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			StallReclaims,
			QueueDepthGauge,
			InFlightGauge,
			ProcessDuration,
		)
	})
	return promhttp.Handler()
}
