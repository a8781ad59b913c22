// Package telemetry exposes prometheus metrics for the runtime. The metrics
// endpoint itself is wired by the embedding process; this package only owns
// the instruments.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's prometheus instruments.
type Metrics struct {
	JobsTotal         *prometheus.CounterVec
	ActionsTotal      *prometheus.CounterVec
	ActionRetries     prometheus.Counter
	ArtifactsSaved    prometheus.Counter
	ArtifactsRestored prometheus.Counter
	ProviderFailures  prometheus.Counter
}

// NewMetrics creates and registers the runtime metrics on the given registerer.
// Pass prometheus.DefaultRegisterer for the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_jobs_total",
			Help: "Jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_actions_total",
			Help: "Actions reaching a terminal state, by status.",
		}, []string{"status"}),
		ActionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_action_retries_total",
			Help: "Action retry attempts after a failed attempt.",
		}),
		ArtifactsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_artifacts_saved_total",
			Help: "Artifacts saved to the artifacts root.",
		}),
		ArtifactsRestored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_artifacts_restored_total",
			Help: "Artifacts restored into job workspaces.",
		}),
		ProviderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_provider_failures_total",
			Help: "Environment providers that exited non-zero.",
		}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.ActionsTotal,
		m.ActionRetries,
		m.ArtifactsSaved,
		m.ArtifactsRestored,
		m.ProviderFailures,
	)
	return m
}

// NopMetrics returns metrics backed by an unexported registry, for tests and
// callers that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
