package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects flow execution metrics.
//
// Metrics exposed (all namespaced with "flowrun_"):
//
//  1. queue_depth (gauge): pending work items of the most recent dequeue.
//  2. step_latency_ms (histogram): node invocation duration.
//     Labels: flow_id, node_name, status (FINISHED/ERROR).
//  3. node_visits_total (counter): node visits. Labels: flow_id, node_name.
//  4. loop_exhausted_total (counter): dequeues whose successor expansion was
//     cut short by a spent loop budget. Labels: flow_id, node_id.
//  5. runs_total (counter): finished runs. Labels: flow_id, status.
//  6. active_runs (gauge): runs currently executing.
//
// Node ids are only used on the loop counter, which fires rarely; the
// high-volume series are keyed by node name to keep cardinality bounded.
type PrometheusMetrics struct {
	queueDepth  prometheus.Gauge
	activeRuns  prometheus.Gauge
	stepLatency *prometheus.HistogramVec
	visits      *prometheus.CounterVec
	exhausted   *prometheus.CounterVec
	runs        *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all metrics with registry. A nil
// registry selects prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowrun",
			Name:      "queue_depth",
			Help:      "Pending work items in the scheduler queue",
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowrun",
			Name:      "active_runs",
			Help:      "Runs currently executing",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowrun",
			Name:      "step_latency_ms",
			Help:      "Node invocation duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"flow_id", "node_name", "status"}),
		visits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "node_visits_total",
			Help:      "Node visits performed by the scheduler",
		}, []string{"flow_id", "node_name"}),
		exhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "loop_exhausted_total",
			Help:      "Successor expansions stopped by a spent loop budget",
		}, []string{"flow_id", "node_id"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "runs_total",
			Help:      "Finished runs by terminal status",
		}, []string{"flow_id", "status"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStep records one node visit and its invocation latency.
func (pm *PrometheusMetrics) RecordStep(flowID, nodeName string, latency time.Duration, status Status) {
	if !pm.on() {
		return
	}
	pm.visits.WithLabelValues(flowID, nodeName).Inc()
	pm.stepLatency.WithLabelValues(flowID, nodeName, string(status)).Observe(float64(latency.Milliseconds()))
}

// UpdateQueueDepth sets the queue depth gauge.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// IncrementLoopExhausted counts a successor expansion stopped by the loop
// budget.
func (pm *PrometheusMetrics) IncrementLoopExhausted(flowID, nodeID string) {
	if !pm.on() {
		return
	}
	pm.exhausted.WithLabelValues(flowID, nodeID).Inc()
}

// RunStarted increments the active runs gauge.
func (pm *PrometheusMetrics) RunStarted() {
	if !pm.on() {
		return
	}
	pm.activeRuns.Inc()
}

// RunFinished decrements the active runs gauge and counts the run.
func (pm *PrometheusMetrics) RunFinished(flowID string, status Status) {
	if !pm.on() {
		return
	}
	pm.activeRuns.Dec()
	pm.runs.WithLabelValues(flowID, string(status)).Inc()
}

// Disable stops metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
