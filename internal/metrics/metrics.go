// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrunner_invocations_total",
			Help: "Finished prompt invocations by terminal status.",
		},
		[]string{"status"},
	)

	LLMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrunner_llm_calls_total",
			Help: "Model calls by provider and outcome (valid, invalid, error).",
		},
		[]string{"provider", "outcome"},
	)

	InvocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promptrunner_invocation_duration_seconds",
			Help:    "Wall time of a prompt invocation from row creation to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	PatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrunner_patch_attempts_total",
			Help: "Transformation patch attempts by result.",
		},
		[]string{"result"},
	)
)
