package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querygate_build_info",
			Help: "Build information of the QueryGate server",
		},
		[]string{"version", "commit", "date"},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_queries_total",
			Help: "Total number of executed queries by connection and outcome",
		},
		[]string{"connection", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_query_duration_seconds",
			Help:    "Duration of query execution",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"connection"},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_cache_hits_total",
			Help: "Query cache lookups by result (hit or miss)",
		},
		[]string{"result"},
	)

	ValidationRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_validation_rejections_total",
			Help: "Statements rejected by the validator, by rule",
		},
		[]string{"rule"},
	)

	PoolWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_pool_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a pooled connection",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"connection"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygate_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool_name", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_tool_call_duration_seconds",
			Help:    "Duration of MCP tool calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"tool_name"},
	)
)
