package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics registry and standard meters for the
// worker channel.
type Metrics struct {
	Registry           *prometheus.Registry
	OperationDuration  *prometheus.HistogramVec
	OperationTotal     *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	QueueDepth         *prometheus.GaugeVec
	CorrelationInFlight prometheus.Gauge
	StartupLatency     prometheus.Histogram
	ReloadTotal        *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with the channel's metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hostchannel_operation_duration_seconds",
		Help:    "Duration of channel operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostchannel_operation_total",
		Help: "Total number of channel operations.",
	}, []string{"operation", "status"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostchannel_errors_total",
		Help: "Total number of errors by kind.",
	}, []string{"kind"})

	invocationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hostchannel_invocation_duration_seconds",
		Help:    "Duration from InvocationRequest send to InvocationResponse, per function.",
		Buckets: prometheus.DefBuckets,
	}, []string{"function_id", "status"})

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hostchannel_function_queue_depth",
		Help: "Number of invocation contexts waiting in a function's input queue.",
	}, []string{"function_id"})

	correlationInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hostchannel_correlation_table_size",
		Help: "Number of invocations awaiting a response.",
	})

	startupLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostchannel_startup_latency_seconds",
		Help:    "Time from StartWorkerProcessAsync to a completed startup promise.",
		Buckets: prometheus.DefBuckets,
	})

	reloadTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostchannel_environment_reload_total",
		Help: "Total number of environment reload attempts.",
	}, []string{"status"})

	reg.MustRegister(opDuration, opTotal, errorsTotal, invocationDuration,
		queueDepth, correlationInFlight, startupLatency, reloadTotal)

	return &Metrics{
		Registry:            reg,
		OperationDuration:   opDuration,
		OperationTotal:      opTotal,
		ErrorsTotal:         errorsTotal,
		InvocationDuration:  invocationDuration,
		QueueDepth:          queueDepth,
		CorrelationInFlight: correlationInFlight,
		StartupLatency:      startupLatency,
		ReloadTotal:         reloadTotal,
	}
}
