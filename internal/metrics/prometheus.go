package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	stateTransitions *prometheus.CounterVec
	spawns           *prometheus.CounterVec
	restarts         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	idleMemory       *prometheus.GaugeVec
	outOfMemory      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "procworker"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_state_transitions_total",
			Help:      "Total number of worker state transitions",
		},
		[]string{"worker_id", "from_state", "to_state"},
	)

	pc.spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_spawns_total",
			Help:      "Total number of child processes spawned",
		},
		[]string{"worker_id"},
	)

	pc.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_restarts_total",
			Help:      "Total number of child process restarts",
		},
		[]string{"worker_id", "reason"},
	)

	pc.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of requests from dispatch to completion",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"worker_id", "outcome"},
	)

	pc.idleMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "child_idle_memory_bytes",
			Help:      "Last reported idle memory usage of the child process",
		},
		[]string{"worker_id"},
	)

	pc.outOfMemory = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_out_of_memory_total",
			Help:      "Total number of workers retired by out-of-memory crashes",
		},
		[]string{"worker_id"},
	)

	pc.registry.MustRegister(
		pc.stateTransitions,
		pc.spawns,
		pc.restarts,
		pc.requestDuration,
		pc.idleMemory,
		pc.outOfMemory,
	)

	return pc
}

func label(workerID int) string {
	return strconv.Itoa(workerID)
}

// StateTransition records a state transition
func (pc *PrometheusCollector) StateTransition(workerID int, fromState, toState string) {
	pc.stateTransitions.WithLabelValues(label(workerID), fromState, toState).Inc()
}

// Spawn records a child process spawn
func (pc *PrometheusCollector) Spawn(workerID int) {
	pc.spawns.WithLabelValues(label(workerID)).Inc()
}

// Restart records a child process restart
func (pc *PrometheusCollector) Restart(workerID int, reason string) {
	pc.restarts.WithLabelValues(label(workerID), reason).Inc()
}

// RequestCompleted records the outcome and duration of a request
func (pc *PrometheusCollector) RequestCompleted(workerID int, outcome string, duration time.Duration) {
	pc.requestDuration.WithLabelValues(label(workerID), outcome).Observe(duration.Seconds())
}

// IdleMemory records the last idle memory report
func (pc *PrometheusCollector) IdleMemory(workerID int, bytes uint64) {
	pc.idleMemory.WithLabelValues(label(workerID)).Set(float64(bytes))
}

// OutOfMemory records an out-of-memory retirement
func (pc *PrometheusCollector) OutOfMemory(workerID int) {
	pc.outOfMemory.WithLabelValues(label(workerID)).Inc()
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Compile-time interface compliance check
var _ Collector = (*PrometheusCollector)(nil)
