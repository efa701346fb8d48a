// Package metrics exposes prometheus instrumentation for provider calls,
// analysis runs, and lifecycle reconciliation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // prometheus collectors are package-level by convention
var (
	// ProviderCalls counts invoker outcomes per provider: ok, error, exhausted.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopatch",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Completed provider invocations by outcome.",
	}, []string{"provider", "outcome"})

	// CredentialRotations counts credentials taken out of rotation.
	CredentialRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopatch",
		Subsystem: "provider",
		Name:      "credential_rotations_total",
		Help:      "Credentials marked unavailable after rate-limit or auth failures.",
	}, []string{"provider"})

	// ExtractionStages counts which salvage stage produced a usable payload.
	ExtractionStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopatch",
		Subsystem: "extract",
		Name:      "stage_hits_total",
		Help:      "Successful structured-output extractions by stage.",
	}, []string{"stage"})

	// FindingsPersisted counts findings written by analysis runs.
	FindingsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopatch",
		Subsystem: "analysis",
		Name:      "findings_persisted_total",
		Help:      "Findings persisted after validation and dedup.",
	}, []string{"severity"})

	// AnalysisDuration observes whole-repository analysis runs.
	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "autopatch",
		Subsystem: "analysis",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of repository analysis runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// LifecycleTransitions counts state-machine transitions by target state.
	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopatch",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Finding status transitions applied by pipelines and reconciliation.",
	}, []string{"to"})

	// PollerSkips counts reconciliation ticks dropped because a run was in progress.
	PollerSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autopatch",
		Subsystem: "lifecycle",
		Name:      "poller_skips_total",
		Help:      "Poll ticks skipped while a previous run was still in flight.",
	})
)
