// Package metrics exposes the agent's Prometheus instrumentation. All
// collectors live on a private registry so tests can create isolated
// instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the agent reports.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal        prometheus.Counter
	FaultsInjectedTotal  prometheus.Counter
	ExperimentInjections *prometheus.CounterVec
	BlastRadiusDenials   prometheus.Counter
	DryRunDecisions      prometheus.Counter
	EvaluationTimeouts   prometheus.Counter
	ProtocolErrors       prometheus.Counter

	AgentEnabled       prometheus.Gauge
	AgentDraining      prometheus.Gauge
	ExperimentsEnabled prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chaos_requests_total",
			Help: "Total request events evaluated by the agent.",
		}),
		FaultsInjectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chaos_faults_injected_total",
			Help: "Total faults actually injected.",
		}),
		ExperimentInjections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chaos_experiment_injections_total",
			Help: "Faults injected per experiment.",
		}, []string{"experiment"}),
		BlastRadiusDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chaos_blast_radius_denials_total",
			Help: "Injections denied by the global blast-radius cap.",
		}),
		DryRunDecisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chaos_dry_run_decisions_total",
			Help: "Faults that would have been injected but were suppressed by dry-run mode.",
		}),
		EvaluationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chaos_evaluation_timeouts_total",
			Help: "Evaluations abandoned for exceeding the per-call budget.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chaos_protocol_errors_total",
			Help: "Malformed frames or events received from the proxy.",
		}),
		AgentEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chaos_agent_enabled",
			Help: "1 when the global kill switch is on (chaos permitted).",
		}),
		AgentDraining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chaos_agent_draining",
			Help: "1 while the agent is draining and refusing new injections.",
		}),
		ExperimentsEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chaos_experiments_enabled",
			Help: "Number of enabled experiments in the active configuration.",
		}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.FaultsInjectedTotal,
		m.ExperimentInjections,
		m.BlastRadiusDenials,
		m.DryRunDecisions,
		m.EvaluationTimeouts,
		m.ProtocolErrors,
		m.AgentEnabled,
		m.AgentDraining,
		m.ExperimentsEnabled,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
