package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "haku_nodes_total",
			Help: "Number of registered nodes by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "haku_tasks_total",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haku_tasks_submitted_total",
			Help: "Tasks admitted by type",
		},
		[]string{"type"},
	)

	TasksRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "haku_tasks_rejected_total",
			Help: "Submission targets rejected at admission",
		},
	)

	// Dispatch metrics
	DispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haku_dispatch_attempts_total",
			Help: "Run order deliveries by outcome",
		},
		[]string{"outcome"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "haku_dispatch_latency_seconds",
			Help:    "Time from admission to accepted run order in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haku_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "haku_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Relay metrics
	RelaySessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "haku_relay_sessions_active",
			Help: "Open SSH relay sessions",
		},
	)

	RelaySessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haku_relay_sessions_total",
			Help: "SSH relay sessions by outcome",
		},
		[]string{"outcome"},
	)

	// Environment metrics
	EnvIngestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "haku_env_ingests_total",
			Help: "Environment snapshots ingested from VPS tasks",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "haku_heartbeats_total",
			Help: "Heartbeats accepted from runners",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksRejected)
	prometheus.MustRegister(DispatchAttempts)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RelaySessionsActive)
	prometheus.MustRegister(RelaySessionsTotal)
	prometheus.MustRegister(EnvIngestsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in a histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
