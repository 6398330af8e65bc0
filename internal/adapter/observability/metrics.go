package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_tasks_submitted_total",
			Help: "Total number of analysis tasks submitted",
		},
		[]string{"depth"},
	)
	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analysis_tasks_running",
			Help: "Number of analysis tasks currently executing on this node",
		},
	)
	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_tasks_finished_total",
			Help: "Total number of analysis tasks reaching a terminal state, by outcome",
		},
		[]string{"outcome"},
	)
	TaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_task_retries_total",
			Help: "Total number of task attempts re-enqueued for retry",
		},
	)
	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_task_execution_seconds",
			Help:    "Wall-clock duration of one executor attempt",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"depth"},
	)

	QueueReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_ready_tasks",
			Help: "Tasks waiting in ready queues",
		},
	)
	QueueInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_inflight_tasks",
			Help: "Tasks currently leased to workers",
		},
	)
	QueueReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_reclaimed_leases_total",
			Help: "Expired leases returned to the ready queue",
		},
	)
	QueueReserveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queue_reserve_duration_seconds",
			Help:    "Duration of one reserve round trip",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	ProgressWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_writes_total",
			Help: "Progress snapshot writes by result",
		},
		[]string{"result"},
	)
	HeartbeatFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_heartbeat_failures_total",
			Help: "Lease renewals that failed, including lost leases",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TasksFinishedTotal)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(QueueReady)
	prometheus.MustRegister(QueueInflight)
	prometheus.MustRegister(QueueReclaimedTotal)
	prometheus.MustRegister(QueueReserveDuration)
	prometheus.MustRegister(ProgressWritesTotal)
	prometheus.MustRegister(HeartbeatFailuresTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// StartTask marks the beginning of one executor attempt on this node.
func StartTask() {
	TasksRunning.Inc()
}

// FinishTask marks the end of one attempt: outcome is completed, failed,
// cancelled or retried.
func FinishTask(outcome string) {
	TasksRunning.Dec()
	if outcome == "retried" {
		TaskRetriesTotal.Inc()
		return
	}
	TasksFinishedTotal.WithLabelValues(outcome).Inc()
}
