package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	taskLabels = []string{"queue", "task_name"}

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_enqueued_total", Help: "Tasks accepted by the store"}, taskLabels)
	DuplicateCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_deduplicated_total", Help: "Enqueues skipped because the unique key was in flight"}, taskLabels)
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	WorkerSuccess    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Tasks completed successfully"}, taskLabels)
	WorkerFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Attempts that returned an error and will retry"}, taskLabels)
	WorkerPanics     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_panicked_total", Help: "Attempts that panicked"}, taskLabels)
	WorkerDead       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_dead_total", Help: "Tasks whose chain ended dead"}, taskLabels)
	StoreErrors      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_store_errors_total", Help: "Failed store calls by operation"}, []string{"op"})
	Reclaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_reclaimed_total", Help: "Stale in-progress tasks reclaimed"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently executing"}, []string{"queue"})
	TaskDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "task_run_seconds", Help: "Task run duration", Buckets: prometheus.DefBuckets}, taskLabels)
)

// Collectors lists every engine metric.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		EnqueueCounter,
		DuplicateCounter,
		RateLimitRejects,
		WorkerSuccess,
		WorkerFailures,
		WorkerPanics,
		WorkerDead,
		StoreErrors,
		Reclaimed,
		InFlightGauge,
		TaskDuration,
	}
}

// Register adds the engine metrics to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
