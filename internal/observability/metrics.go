package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	streamsOpened     *prometheus.CounterVec
	streamsTerminated *prometheus.CounterVec
	streamDuration    *prometheus.HistogramVec
	streamFlushes     prometheus.Counter
	streamFlushChars  prometheus.Histogram
	activeStreams     prometheus.Gauge

	providerErrors *prometheus.CounterVec

	toolCallTransitions   *prometheus.CounterVec
	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	admissionsTotal  *prometheus.CounterVec
	executionsTotal  *prometheus.CounterVec
	activeExecutions prometheus.Gauge

	historyWriteDuration prometheus.Histogram

	gatewayClients      prometheus.Gauge
	gatewayRequests     *prometheus.CounterVec
	gatewayDuration     *prometheus.HistogramVec
	gatewayAuthFailures prometheus.Counter
	gatewayRejected     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			streamsOpened: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_streams_opened_total",
					Help: "Stream sessions opened by provider kind.",
				},
				[]string{"provider"},
			),
			streamsTerminated: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_streams_terminated_total",
					Help: "Stream sessions terminated by provider kind and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			streamDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conduit_stream_duration_seconds",
					Help:    "Stream session lifetime in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			streamFlushes: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "conduit_stream_flushes_total",
					Help: "Buffered chunk flushes delivered to subscribers.",
				},
			),
			streamFlushChars: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conduit_stream_flush_chars",
					Help:    "Characters per flush.",
					Buckets: prometheus.ExponentialBuckets(4, 2, 10),
				},
			),
			activeStreams: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conduit_active_streams",
					Help: "Currently open stream sessions.",
				},
			),
			providerErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_provider_errors_total",
					Help: "Upstream provider errors by provider and retry hint.",
				},
				[]string{"provider", "retryable"},
			),
			toolCallTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_tool_call_transitions_total",
					Help: "Tool-call status transitions by target status.",
				},
				[]string{"status"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_tool_execution_total",
					Help: "Tool executions by server and outcome.",
				},
				[]string{"server", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conduit_tool_execution_duration_seconds",
					Help:    "Tool execution wall-clock time in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"server"},
			),
			admissionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_admissions_total",
					Help: "Governor admission decisions by outcome and violated limit.",
				},
				[]string{"outcome", "limit"},
			),
			executionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_executions_total",
					Help: "Agent executions by terminal status.",
				},
				[]string{"status"},
			),
			activeExecutions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conduit_active_executions",
					Help: "Non-terminal agent executions.",
				},
			),
			historyWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conduit_history_write_duration_seconds",
					Help:    "Chat history write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		m.gatewayClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_gateway_clients",
			Help: "Connected WebSocket clients.",
		})
		m.gatewayRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_gateway_requests_total",
				Help: "RPC requests by method and outcome.",
			},
			[]string{"method", "outcome"},
		)
		m.gatewayDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_gateway_request_duration_seconds",
				Help:    "RPC handler duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)
		m.gatewayAuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_gateway_auth_failures_total",
			Help: "Failed challenge-response attempts.",
		})
		m.gatewayRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_gateway_rejected_total",
				Help: "Requests refused before routing, by reason.",
			},
			[]string{"reason"},
		)

		prometheus.MustRegister(
			m.streamsOpened,
			m.streamsTerminated,
			m.streamDuration,
			m.streamFlushes,
			m.streamFlushChars,
			m.activeStreams,
			m.providerErrors,
			m.toolCallTransitions,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.admissionsTotal,
			m.executionsTotal,
			m.activeExecutions,
			m.historyWriteDuration,
			m.gatewayClients,
			m.gatewayRequests,
			m.gatewayDuration,
			m.gatewayAuthFailures,
			m.gatewayRejected,
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

func RecordStreamOpened(provider string) {
	m := getMetrics()
	m.streamsOpened.WithLabelValues(provider).Inc()
	m.activeStreams.Inc()
}

func RecordStreamTerminated(provider, outcome string, lifetime time.Duration) {
	m := getMetrics()
	m.streamsTerminated.WithLabelValues(provider, outcome).Inc()
	m.streamDuration.WithLabelValues(provider).Observe(lifetime.Seconds())
	m.activeStreams.Dec()
}

func RecordStreamFlush(chars int) {
	m := getMetrics()
	m.streamFlushes.Inc()
	m.streamFlushChars.Observe(float64(chars))
}

func RecordProviderError(provider string, retryable bool) {
	label := "false"
	if retryable {
		label = "true"
	}
	getMetrics().providerErrors.WithLabelValues(provider, label).Inc()
}

func RecordToolCallTransition(status string) {
	getMetrics().toolCallTransitions.WithLabelValues(status).Inc()
}

func RecordToolExecution(server string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(server, status).Inc()
	m.toolExecutionDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// RecordAdmission counts a governor decision. limit is empty when admitted.
func RecordAdmission(admitted bool, limit string) {
	outcome := "rejected"
	if admitted {
		outcome = "admitted"
	}
	getMetrics().admissionsTotal.WithLabelValues(outcome, limit).Inc()
}

func RecordExecutionTerminal(status string) {
	getMetrics().executionsTotal.WithLabelValues(status).Inc()
}

func SetActiveExecutions(count int) {
	getMetrics().activeExecutions.Set(float64(count))
}

func RecordHistoryWrite(duration time.Duration) {
	getMetrics().historyWriteDuration.Observe(duration.Seconds())
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

// RecordGatewayRequest counts one routed request. outcome is "ok" or the
// error kind.
func RecordGatewayRequest(method, outcome string, duration time.Duration) {
	m := getMetrics()
	m.gatewayRequests.WithLabelValues(method, outcome).Inc()
	m.gatewayDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordGatewayAuthFailure() {
	getMetrics().gatewayAuthFailures.Inc()
}

// RecordGatewayRejected counts a request refused by rate limiting,
// authentication or shutdown.
func RecordGatewayRejected(reason string) {
	getMetrics().gatewayRejected.WithLabelValues(reason).Inc()
}
