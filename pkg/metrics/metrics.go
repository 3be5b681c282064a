package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	ComponentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmbus_components_total",
			Help: "Total number of components hosted on this host",
		},
	)

	ProvidersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmbus_providers_total",
			Help: "Total number of capability providers bridged by this host",
		},
	)

	LinksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmbus_links_total",
			Help: "Total number of links currently held by the registry",
		},
	)

	// Pool metrics
	InstancesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmbus_instances",
			Help: "Number of sandboxed instances by component and state",
		},
		[]string{"component_id", "state"},
	)

	PoolWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmbus_pool_wait_seconds",
			Help:    "Time a caller waited for an instance to become available",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component_id"},
	)

	PoolExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmbus_pool_exhausted_total",
			Help: "Total number of acquire calls that failed because the pool was exhausted",
		},
		[]string{"component_id"},
	)

	// Sandbox metrics
	CompileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmbus_compile_duration_seconds",
			Help:    "Time taken to compile a WASM artifact",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompileCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmbus_compile_cache_hits_total",
			Help: "Total number of compile requests served from the compile cache",
		},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmbus_invocation_duration_seconds",
			Help:    "Time taken to run an invocation to completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"wit_interface", "outcome"},
	)

	SandboxTrapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmbus_sandbox_traps_total",
			Help: "Total number of instances destroyed because of a guest trap",
		},
		[]string{"component_id"},
	)

	// Router metrics
	RouterInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmbus_router_invocations_total",
			Help: "Total number of invocations routed, by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	RouterRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmbus_router_retries_total",
			Help: "Total number of outbound invocations retried after a transient transport failure",
		},
	)

	// Chunk store metrics
	ChunkPutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmbus_chunk_puts_total",
			Help: "Total number of payloads written to the chunk store",
		},
	)

	ChunkGetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmbus_chunk_gets_total",
			Help: "Total number of payloads read from the chunk store",
		},
	)

	// Policy gate metrics
	PolicyEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmbus_policy_evaluations_total",
			Help: "Total number of policy evaluations, by decision and cache outcome",
		},
		[]string{"decision", "cache"},
	)

	PolicyEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmbus_policy_evaluation_duration_seconds",
			Help:    "Time taken for a policy evaluation round trip",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control plane metrics
	ControlCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmbus_control_commands_total",
			Help: "Total number of control plane commands handled, by subject and outcome",
		},
		[]string{"subject", "outcome"},
	)

	ControlCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmbus_control_command_duration_seconds",
			Help:    "Time taken to handle a control plane command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	HeartbeatsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmbus_heartbeats_sent_total",
			Help: "Total number of heartbeats published by this host",
		},
	)
)

func init() {
	prometheus.MustRegister(ComponentsTotal)
	prometheus.MustRegister(ProvidersTotal)
	prometheus.MustRegister(LinksTotal)

	prometheus.MustRegister(InstancesByState)
	prometheus.MustRegister(PoolWaitDuration)
	prometheus.MustRegister(PoolExhaustedTotal)

	prometheus.MustRegister(CompileDuration)
	prometheus.MustRegister(CompileCacheHitsTotal)
	prometheus.MustRegister(InvocationDuration)
	prometheus.MustRegister(SandboxTrapsTotal)

	prometheus.MustRegister(RouterInvocationsTotal)
	prometheus.MustRegister(RouterRetriesTotal)

	prometheus.MustRegister(ChunkPutsTotal)
	prometheus.MustRegister(ChunkGetsTotal)

	prometheus.MustRegister(PolicyEvaluationsTotal)
	prometheus.MustRegister(PolicyEvaluationDuration)

	prometheus.MustRegister(ControlCommandsTotal)
	prometheus.MustRegister(ControlCommandDuration)
	prometheus.MustRegister(HeartbeatsSentTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
