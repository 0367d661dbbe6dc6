package toolprovider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InvocationsTotal counts tool invocations.
	// Labels: origin (native, provider, unknown), outcome (success, execution_error, timeout, unavailable)
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "toolprovider",
			Name:      "invocations_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"origin", "outcome"},
	)

	// InvocationDuration tracks how long tool calls take.
	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentd",
			Subsystem: "toolprovider",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of tool invocations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"origin"},
	)

	// DedupHits counts invocations answered from the result cache.
	DedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "toolprovider",
			Name:      "dedup_hits_total",
			Help:      "Total number of invocations served from the result cache",
		},
	)

	// ProviderStarts counts provider start attempts.
	// Labels: result (ready, failed)
	ProviderStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "toolprovider",
			Name:      "provider_starts_total",
			Help:      "Total number of provider start attempts",
		},
		[]string{"result"},
	)

	// ProvidersReady is the number of providers with a live session.
	ProvidersReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentd",
			Subsystem: "toolprovider",
			Name:      "providers_ready",
			Help:      "Current number of ready tool providers",
		},
	)
)

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsRetryable(err) && isTimeout(err):
		return "timeout"
	case IsRetryable(err):
		return "unavailable"
	default:
		return "execution_error"
	}
}
