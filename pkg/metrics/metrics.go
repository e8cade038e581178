package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Kernel metrics
	KernelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "substrate_kernels_total",
			Help: "Live kernels by language and status",
		},
		[]string{"language", "status"},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_executions_total",
			Help: "Completed executions by language and outcome",
		},
		[]string{"language", "outcome"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "substrate_execution_duration_seconds",
			Help:    "Wall time of completed executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"language"},
	)

	// Pool metrics
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "substrate_pool_size",
			Help: "Idle pre-started executors per (mode, language)",
		},
		[]string{"mode", "language"},
	)

	PoolTakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_pool_takes_total",
			Help: "Pool take attempts by result (hit or miss)",
		},
		[]string{"mode", "language", "result"},
	)

	// Vector DB metrics
	IndicesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "substrate_indices_live",
			Help: "Vector indices currently resident in memory",
		},
	)

	IndicesOffloaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "substrate_indices_offloaded",
			Help: "Vector indices currently offloaded to disk",
		},
	)

	DocumentsAddedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "substrate_documents_added_total",
			Help: "Documents added across all indices",
		},
	)

	QueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "substrate_queries_total",
			Help: "Similarity queries served",
		},
	)

	OffloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_offloads_total",
			Help: "Index offloads by trigger (idle or manual)",
		},
		[]string{"trigger"},
	)

	ResumesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "substrate_resumes_total",
			Help: "Indices resumed from disk",
		},
	)

	// Agent metrics
	AgentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "substrate_agents_total",
			Help: "Registered agents",
		},
	)

	AgentChatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_agent_chats_total",
			Help: "Agent chat turns by outcome",
		},
		[]string{"outcome"},
	)

	AgentToolCallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "substrate_agent_tool_calls_total",
			Help: "executeCode tool calls issued by agents",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_api_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "substrate_api_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Register registers all collectors with the default registry.
// Call once at startup.
func Register() {
	prometheus.MustRegister(
		KernelsTotal,
		ExecutionsTotal,
		ExecutionDuration,
		PoolSize,
		PoolTakesTotal,
		IndicesLive,
		IndicesOffloaded,
		DocumentsAddedTotal,
		QueriesTotal,
		OffloadsTotal,
		ResumesTotal,
		AgentsTotal,
		AgentChatsTotal,
		AgentToolCallsTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
