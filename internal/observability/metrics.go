package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	agentTurnTotal    *prometheus.CounterVec
	agentTurnDuration prometheus.Histogram
	agentTurnRounds   prometheus.Histogram
	generationErrors  *prometheus.CounterVec

	activeConversations prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	schedulerFireTotal *prometheus.CounterVec
	scheduledJobs      prometheus.Gauge

	memorySearchDuration prometheus.Histogram
	memoryIngestedTotal  prometheus.Counter
	memoryDiscardedTotal *prometheus.CounterVec

	gatewayRequestTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			agentTurnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lunar_agent_turn_total",
					Help: "Total agent turns by outcome.",
				},
				[]string{"outcome"},
			),
			agentTurnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "lunar_agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			agentTurnRounds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "lunar_agent_turn_rounds",
					Help:    "Generation rounds per agent turn.",
					Buckets: []float64{1, 2, 3, 5, 8, 13, 25},
				},
			),
			generationErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lunar_generation_errors_total",
					Help: "Total model backend failures by backend.",
				},
				[]string{"backend"},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "lunar_active_conversations",
					Help: "Current number of conversation logs held in memory.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lunar_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lunar_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			schedulerFireTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lunar_scheduler_fire_total",
					Help: "Total scheduled job firings by status.",
				},
				[]string{"status"},
			),
			scheduledJobs: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "lunar_scheduled_jobs",
					Help: "Current number of armed scheduled jobs.",
				},
			),
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "lunar_memory_search_duration_seconds",
					Help:    "Memory keyword search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryIngestedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "lunar_memory_ingested_total",
					Help: "Total facts stored from inline memory blocks.",
				},
			),
			memoryDiscardedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lunar_memory_ingest_discarded_total",
					Help: "Total inline memory payloads discarded by reason.",
				},
				[]string{"reason"},
			),
			gatewayRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lunar_gateway_request_total",
					Help: "Total control surface requests by method and status.",
				},
				[]string{"method", "status"},
			),
		}

		prometheus.MustRegister(
			m.agentTurnTotal,
			m.agentTurnDuration,
			m.agentTurnRounds,
			m.generationErrors,
			m.activeConversations,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.schedulerFireTotal,
			m.scheduledJobs,
			m.memorySearchDuration,
			m.memoryIngestedTotal,
			m.memoryDiscardedTotal,
			m.gatewayRequestTotal,
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

func RecordAgentTurn(outcome string, duration time.Duration, rounds int) {
	m := getMetrics()
	m.agentTurnTotal.WithLabelValues(outcome).Inc()
	m.agentTurnDuration.Observe(duration.Seconds())
	if rounds > 0 {
		m.agentTurnRounds.Observe(float64(rounds))
	}
}

func RecordGenerationError(backend string) {
	getMetrics().generationErrors.WithLabelValues(backend).Inc()
}

func SetActiveConversations(count int) {
	getMetrics().activeConversations.Set(float64(count))
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

// RecordSchedulerFire counts a job firing; status is success, error or unresolved.
func RecordSchedulerFire(status string) {
	getMetrics().schedulerFireTotal.WithLabelValues(status).Inc()
}

func SetScheduledJobs(count int) {
	getMetrics().scheduledJobs.Set(float64(count))
}

func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearchDuration.Observe(duration.Seconds())
}

func RecordMemoryIngested(count int) {
	getMetrics().memoryIngestedTotal.Add(float64(count))
}

func RecordMemoryDiscarded(reason string) {
	getMetrics().memoryDiscardedTotal.WithLabelValues(reason).Inc()
}

func RecordGatewayRequest(method string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().gatewayRequestTotal.WithLabelValues(method, status).Inc()
}
