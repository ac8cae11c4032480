package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_total",
			Help: "Total number of tasks processed, by outcome",
		},
		[]string{"outcome"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_task_duration_seconds",
			Help:    "Time from dequeue to final response",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_task_queue_depth",
			Help: "Tasks waiting in the queue, sampled periodically",
		},
	)

	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_tasks_in_flight",
			Help: "Number of tasks currently being executed by workers",
		},
	)

	// Agent metrics
	agentInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_agent_invocations_total",
			Help: "Total number of agent invocations",
		},
		[]string{"agent", "status"},
	)

	agentInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_agent_invocation_duration_seconds",
			Help:    "Agent invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	agentTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_agent_tokens_total",
			Help: "Tokens reported by the upstream platform",
		},
		[]string{"agent", "type"},
	)

	agentCostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_agent_cost_usd_total",
			Help: "Estimated upstream spend in USD, from token usage and list prices",
		},
		[]string{"agent", "model"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_fallbacks_total",
			Help: "Requests answered by the fallback agent, by reason",
		},
		[]string{"reason"},
	)

	artifactsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_artifacts_total",
			Help: "Artifacts extracted from agent output",
		},
		[]string{"status"},
	)

	// Tool bridge metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tool_calls_total",
			Help: "Total number of tool bridge calls",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_tool_call_duration_seconds",
			Help:    "Tool bridge call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Gateway metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_active_sessions",
			Help: "Number of connected client sessions",
		},
	)

	responsesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_responses_dropped_total",
			Help: "Responses that could not be delivered, by reason",
		},
		[]string{"reason"},
	)

	initOnce sync.Once
)

// InitMetrics registers the metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			tasksTotal,
			taskDuration,
			tasksInFlight,
			queueDepth,
			agentInvocationsTotal,
			agentInvocationDuration,
			agentTokensTotal,
			agentCostTotal,
			fallbacksTotal,
			artifactsTotal,
			toolCallsTotal,
			toolCallDuration,
			activeSessions,
			responsesDropped,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTask records a completed task. Outcome is one of answered, fallback, failed, dropped.
func RecordTask(outcome string, duration time.Duration) {
	tasksTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		taskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// SetQueueDepth records the sampled length of the task queue.
func SetQueueDepth(n int64) { queueDepth.Set(float64(n)) }

// TaskStarted and TaskFinished bracket the execution of one task.
func TaskStarted() { tasksInFlight.Inc() }
func TaskFinished() { tasksInFlight.Dec() }

// RecordAgentInvocation records one agent call and the tokens it used.
func RecordAgentInvocation(agent, status string, duration time.Duration, promptTokens, completionTokens int) {
	agentInvocationsTotal.WithLabelValues(agent, status).Inc()
	agentInvocationDuration.WithLabelValues(agent).Observe(duration.Seconds())
	if promptTokens > 0 {
		agentTokensTotal.WithLabelValues(agent, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		agentTokensTotal.WithLabelValues(agent, "completion").Add(float64(completionTokens))
	}
}

// RecordAgentCost adds the estimated spend of one invocation.
func RecordAgentCost(agent, model string, usd float64) {
	if usd > 0 {
		agentCostTotal.WithLabelValues(agent, model).Add(usd)
	}
}

// RecordFallback counts a request routed to the fallback agent.
func RecordFallback(reason string) {
	fallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordArtifact counts an artifact extraction attempt.
func RecordArtifact(status string) {
	artifactsTotal.WithLabelValues(status).Inc()
}

// RecordToolCall records tool bridge call metrics
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SessionOpened and SessionClosed track connected clients.
func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }

// RecordDroppedResponse counts an undeliverable response.
func RecordDroppedResponse(reason string) {
	responsesDropped.WithLabelValues(reason).Inc()
}
