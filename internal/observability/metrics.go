package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth    *prometheus.GaugeVec
	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsStalled   *prometheus.CounterVec
	activeWorkers prometheus.Gauge

	loopIterations *prometheus.CounterVec
	loopOutcomes   *prometheus.CounterVec
	malformedTotal prometheus.Counter

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	keyUseTotal   *prometheus.CounterVec
	keyCooldown   *prometheus.GaugeVec
	keysAvailable *prometheus.GaugeVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "job_queue_depth",
					Help: "Current waiting job count by job type.",
				},
				[]string{"type"},
			),
			jobsEnqueued: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "jobs_enqueued_total",
					Help: "Total enqueued jobs by job type.",
				},
				[]string{"type"},
			),
			jobsCompleted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "jobs_completed_total",
					Help: "Total finished jobs by job type and terminal state.",
				},
				[]string{"type", "state"},
			),
			jobDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "job_duration_seconds",
					Help:    "Job execution duration in seconds by job type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"type"},
			),
			jobsStalled: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "jobs_stalled_total",
					Help: "Total stall detections by job type.",
				},
				[]string{"type"},
			),
			activeWorkers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_workers",
					Help: "Workers currently executing a job.",
				},
			),
			loopIterations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_loop_iterations_total",
					Help: "Total agent loop iterations by provider.",
				},
				[]string{"provider"},
			),
			loopOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_loop_outcomes_total",
					Help: "Total agent loop terminations by outcome.",
				},
				[]string{"outcome"},
			),
			malformedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agent_malformed_responses_total",
					Help: "Total model responses that failed structured parsing.",
				},
			),
			providerCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_calls_total",
					Help: "Total LLM calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "provider_call_duration_seconds",
					Help:    "LLM call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_errors_total",
					Help: "Total classified provider errors by provider and kind.",
				},
				[]string{"provider", "kind"},
			),
			keyUseTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_key_use_total",
					Help: "Total key selections by provider.",
				},
				[]string{"provider"},
			),
			keyCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "llm_key_cooldown_active",
					Help: "Keys currently in a cooldown window by provider.",
				},
				[]string{"provider"},
			),
			keysAvailable: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "llm_keys_available",
					Help: "Usable key count by provider.",
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session history load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.jobsEnqueued,
			m.jobsCompleted,
			m.jobDuration,
			m.jobsStalled,
			m.activeWorkers,
			m.loopIterations,
			m.loopOutcomes,
			m.malformedTotal,
			m.providerCalls,
			m.providerDuration,
			m.providerErrors,
			m.keyUseTotal,
			m.keyCooldown,
			m.keysAvailable,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordJobEnqueued(jobType string, depth int) {
	m := getMetrics()
	m.jobsEnqueued.WithLabelValues(jobType).Inc()
	m.queueDepth.WithLabelValues(jobType).Set(float64(depth))
}

func SetQueueDepth(jobType string, depth int) {
	m := getMetrics()
	m.queueDepth.WithLabelValues(jobType).Set(float64(depth))
}

func RecordJobCompletion(jobType, state string, duration time.Duration) {
	m := getMetrics()
	m.jobsCompleted.WithLabelValues(jobType, state).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

func RecordJobStalled(jobType string) {
	getMetrics().jobsStalled.WithLabelValues(jobType).Inc()
}

func SetActiveWorkers(count int) {
	getMetrics().activeWorkers.Set(float64(count))
}

func RecordLoopIteration(provider string) {
	getMetrics().loopIterations.WithLabelValues(provider).Inc()
}

func RecordLoopOutcome(outcome string) {
	getMetrics().loopOutcomes.WithLabelValues(outcome).Inc()
}

func RecordMalformedResponse() {
	getMetrics().malformedTotal.Inc()
}

func RecordProviderCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.providerCalls.WithLabelValues(provider, status).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordProviderError(provider, kind string) {
	getMetrics().providerErrors.WithLabelValues(provider, kind).Inc()
}

func RecordKeyUse(provider string) {
	getMetrics().keyUseTotal.WithLabelValues(provider).Inc()
}

func SetKeyCooldownCount(provider string, count int) {
	getMetrics().keyCooldown.WithLabelValues(provider).Set(float64(count))
}

func SetKeysAvailable(provider string, count int) {
	getMetrics().keysAvailable.WithLabelValues(provider).Set(float64(count))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}
