package telemetry

import "github.com/prometheus/client_golang/prometheus"

var KMSOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "kms",
		Name:      "operations_total",
		Help:      "Total number of KMS gateway operations by op and outcome.",
	},
	[]string{"op", "outcome"},
)

var KMSOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "vault",
		Subsystem: "kms",
		Name:      "operation_duration_seconds",
		Help:      "KMS gateway round-trip duration in seconds.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"op"},
)

var TenantConnAcquisitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "rls",
		Name:      "conn_acquisitions_total",
		Help:      "Total number of RLS-bound connection acquisitions by outcome.",
	},
	[]string{"outcome"},
)

var PIIMaskedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "pii",
		Name:      "masked_total",
		Help:      "Total number of PII spans masked, by type.",
	},
	[]string{"pii_type"},
)

var TokenRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "oauth",
		Name:      "token_refresh_total",
		Help:      "Total number of OAuth token refresh attempts by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

var SyncTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "sync",
		Name:      "transitions_total",
		Help:      "Total number of sync state transitions by provider, previous status and new status.",
	},
	[]string{"provider", "from", "to"},
)

var JobExecutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "scheduler",
		Name:      "job_executions_total",
		Help:      "Total number of scheduled job executions by job and outcome.",
	},
	[]string{"job", "outcome"},
)

var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "vault",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Scheduled job run duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"job"},
)

var ChatTierReadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "chatstore",
		Name:      "tier_reads_total",
		Help:      "Total number of chat message reads served per tier.",
	},
	[]string{"tier"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "vault",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by route, method and status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "method", "status"},
)

// All returns the vault-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		KMSOperationsTotal,
		KMSOperationDuration,
		TenantConnAcquisitionsTotal,
		PIIMaskedTotal,
		TokenRefreshTotal,
		SyncTransitionsTotal,
		JobExecutionsTotal,
		JobDuration,
		ChatTierReadsTotal,
		HTTPRequestDuration,
	}
}

// NewRegistry builds a Prometheus registry with the Go/process collectors
// plus every vault-specific collector from All().
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
