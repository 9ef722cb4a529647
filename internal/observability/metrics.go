package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	chainAppends *prometheus.CounterVec

	completionsTotal   *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	providerErrors     *prometheus.CounterVec

	toolCallsTotal    *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	toolServersActive prometheus.Gauge

	pendingCycles   prometheus.Gauge
	cyclesResolved  *prometheus.CounterVec
	fanoutFailures  prometheus.Counter
	mailboxDepth    *prometheus.GaugeVec
	mailboxTaskTime *prometheus.HistogramVec

	rpcRequests *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			chainAppends: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatstate_chain_appends_total",
					Help: "Entries appended to conversation chains by entry kind.",
				},
				[]string{"kind"},
			),
			completionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatstate_completions_total",
					Help: "Completions received by provider and stop reason.",
				},
				[]string{"provider", "stop_reason"},
			),
			completionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chatstate_completion_duration_seconds",
					Help:    "Provider completion latency in seconds.",
					Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"provider"},
			),
			providerErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatstate_provider_errors_total",
					Help: "Failed provider calls by provider.",
				},
				[]string{"provider"},
			),
			toolCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatstate_tool_calls_total",
					Help: "Tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chatstate_tool_call_duration_seconds",
					Help:    "Tool invocation latency in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolServersActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "chatstate_tool_servers_active",
					Help: "Tool servers currently started.",
				},
			),
			pendingCycles: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "chatstate_pending_cycles",
					Help: "Completion cycles currently open.",
				},
			),
			cyclesResolved: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatstate_cycles_resolved_total",
					Help: "Completion cycles resolved by outcome.",
				},
				[]string{"outcome"},
			),
			fanoutFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "chatstate_fanout_failures_total",
					Help: "Notifications that could not be delivered to a subscription channel.",
				},
			),
			mailboxDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "chatstate_mailbox_depth",
					Help: "Queued tasks per mailbox lane.",
				},
				[]string{"lane"},
			),
			mailboxTaskTime: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chatstate_mailbox_task_duration_seconds",
					Help:    "Mailbox task execution time by status.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			rpcRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatstate_rpc_requests_total",
					Help: "Gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
		}

		prometheus.MustRegister(
			m.chainAppends,
			m.completionsTotal,
			m.completionDuration,
			m.providerErrors,
			m.toolCallsTotal,
			m.toolCallDuration,
			m.toolServersActive,
			m.pendingCycles,
			m.cyclesResolved,
			m.fanoutFailures,
			m.mailboxDepth,
			m.mailboxTaskTime,
			m.rpcRequests,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordChainAppend(kind string) {
	getMetrics().chainAppends.WithLabelValues(kind).Inc()
}

func RecordCompletion(provider, stopReason string, duration time.Duration) {
	m := getMetrics()
	m.completionsTotal.WithLabelValues(provider, stopReason).Inc()
	m.completionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordProviderError(provider string) {
	getMetrics().providerErrors.WithLabelValues(provider).Inc()
}

func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolCallsTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func AddToolServers(delta int) {
	getMetrics().toolServersActive.Add(float64(delta))
}

// CycleOpened and CycleResolved track the single-flight completion lock.
func CycleOpened() {
	getMetrics().pendingCycles.Inc()
}

func CycleResolved(outcome string) {
	m := getMetrics()
	m.pendingCycles.Dec()
	m.cyclesResolved.WithLabelValues(outcome).Inc()
}

func RecordFanoutFailure() {
	getMetrics().fanoutFailures.Inc()
}

func SetMailboxDepth(lane string, depth int) {
	getMetrics().mailboxDepth.WithLabelValues(lane).Set(float64(depth))
}

// ForgetMailboxLane drops the depth series of a lane that no longer exists.
func ForgetMailboxLane(lane string) {
	getMetrics().mailboxDepth.DeleteLabelValues(lane)
}

func RecordMailboxTask(duration time.Duration, success bool) {
	getMetrics().mailboxTaskTime.WithLabelValues(statusLabel(success)).Observe(duration.Seconds())
}

func RecordRPCRequest(method string, success bool) {
	getMetrics().rpcRequests.WithLabelValues(method, statusLabel(success)).Inc()
}
