// Package engine drives the chaos decision pipeline: given a request's
// attributes and the current time, it decides whether a fault applies and
// materializes its exact parameters. Gates run in a fixed order, each
// short-circuiting to pass-through on denial: excluded path, kill switch and
// schedule, targeting, percentage sampling, blast radius, materialization.
package engine

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/faultline-io/chaos-agent/internal/blast"
	"github.com/faultline-io/chaos-agent/internal/config"
	"github.com/faultline-io/chaos-agent/internal/faults"
	"github.com/faultline-io/chaos-agent/internal/metrics"
	"github.com/faultline-io/chaos-agent/internal/schedule"
	"github.com/faultline-io/chaos-agent/internal/targeting"
)

// Chaos observability headers attached to every applied fault.
const (
	HeaderInjected   = "x-chaos-injected"
	HeaderExperiment = "x-chaos-experiment"
)

// Request is the ephemeral per-call context the pipeline consumes.
type Request struct {
	// ID is the opaque correlation token from the proxy, echoed back
	// unchanged and used for deterministic sampling when enabled.
	ID string
	// Method is the HTTP method as received.
	Method string
	// Path is the request path.
	Path string
	// Headers are the request headers as received.
	Headers map[string][]string
	// Arrival is when the proxy saw the request; schedule windows are
	// evaluated against it.
	Arrival time.Time
}

// Decision is the outcome of one evaluation.
type Decision struct {
	// Directive is what goes on the wire.
	Directive faults.Directive
	// Headers carries the chaos observability headers when a fault applies.
	Headers map[string]string
	// ExperimentID names the winning experiment, empty on pass-through.
	ExperimentID string
	// DryRun marks a decision whose fault was computed but suppressed.
	DryRun bool
	// Suppressed holds the fault that dry-run withheld from the wire.
	Suppressed faults.Directive
}

// passThrough is the zero-effect decision.
func passThrough() Decision {
	return Decision{Directive: faults.PassThrough()}
}

// compiledExperiment pairs an experiment with its pre-compiled matcher and a
// process-lifetime injection counter.
type compiledExperiment struct {
	id         string
	enabled    bool
	targeting  *targeting.Compiled
	fault      config.Fault
	injections *atomic.Uint64
}

// snapshot is one immutable view of the active configuration. Reloads build a
// new snapshot and swap the pointer; in-flight evaluations keep the one they
// loaded.
type snapshot struct {
	cfg         *config.Config
	experiments []compiledExperiment
	windows     []schedule.Window
}

// Engine evaluates requests against the active configuration.
type Engine struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	sampler faults.Sampler
	limiter *blast.Limiter

	active   atomic.Pointer[snapshot]
	draining atomic.Bool

	requestsTotal  atomic.Uint64
	faultsInjected atomic.Uint64
}

// New builds an engine from a validated configuration.
func New(cfg *config.Config, logger *zap.Logger, sampler faults.Sampler, m *metrics.Metrics) (*Engine, error) {
	e := &Engine{
		logger:  logger,
		metrics: m,
		sampler: sampler,
		limiter: blast.NewLimiter(cfg.Safety.MaxAffectedPercent),
	}
	if err := e.SetConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// SetConfig compiles and atomically installs a new configuration. On error
// the previous configuration stays active. Injection counters carry over for
// experiment ids that survive the reload.
func (e *Engine) SetConfig(cfg *config.Config) error {
	windows, err := schedule.Compile(cfg.Safety.Schedule)
	if err != nil {
		return fmt.Errorf("compiling schedule: %w", err)
	}

	prev := e.active.Load()
	prevCounts := make(map[string]*atomic.Uint64)
	if prev != nil {
		for i := range prev.experiments {
			prevCounts[prev.experiments[i].id] = prev.experiments[i].injections
		}
	}

	experiments := make([]compiledExperiment, 0, len(cfg.Experiments))
	enabled := 0
	for _, exp := range cfg.Experiments {
		compiled, err := targeting.Compile(exp.Targeting)
		if err != nil {
			return fmt.Errorf("compiling experiment %q: %w", exp.ID, err)
		}
		counter := prevCounts[exp.ID]
		if counter == nil {
			counter = &atomic.Uint64{}
		}
		experiments = append(experiments, compiledExperiment{
			id:         exp.ID,
			enabled:    exp.Enabled,
			targeting:  compiled,
			fault:      exp.Fault,
			injections: counter,
		})
		if exp.Enabled {
			enabled++
		}
	}

	e.active.Store(&snapshot{cfg: cfg, experiments: experiments, windows: windows})
	e.limiter.SetMaxPercent(cfg.Safety.MaxAffectedPercent)

	if e.metrics != nil {
		e.metrics.ExperimentsEnabled.Set(float64(enabled))
		if cfg.Settings.Enabled {
			e.metrics.AgentEnabled.Set(1)
		} else {
			e.metrics.AgentEnabled.Set(0)
		}
	}

	e.logger.Info("configuration installed",
		zap.Int("experiments", len(experiments)),
		zap.Int("enabled", enabled),
		zap.Bool("dry_run", cfg.Settings.DryRun),
		zap.Int("max_affected_percent", cfg.Safety.MaxAffectedPercent))
	return nil
}

// Drain stops the engine from injecting new faults; every evaluation returns
// pass-through until the process exits.
func (e *Engine) Drain() {
	if e.draining.CompareAndSwap(false, true) {
		e.logger.Warn("draining, fault injection stopped")
		if e.metrics != nil {
			e.metrics.AgentDraining.Set(1)
		}
	}
}

// Draining reports whether the engine refuses new injections.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Evaluate runs the full decision pipeline for one request. It never blocks:
// delays are returned as directives and honored by the caller.
func (e *Engine) Evaluate(req Request) Decision {
	e.requestsTotal.Add(1)
	if e.metrics != nil {
		e.metrics.RequestsTotal.Inc()
	}

	snap := e.active.Load()
	settings := snap.cfg.Settings

	// Exclusion is a hard pre-filter: an excluded path is never affected and
	// never even logged as a would-be fault.
	if targeting.IsExcluded(req.Path, snap.cfg.Safety.ExcludedPaths) {
		e.limiter.Record()
		return passThrough()
	}

	if !settings.Enabled || e.draining.Load() {
		e.limiter.Record()
		return passThrough()
	}

	if !schedule.Allowed(snap.windows, req.Arrival) {
		e.limiter.Record()
		return passThrough()
	}

	headers := targeting.FlattenHeaders(req.Headers)

	// First experiment in configuration order that matches and passes its
	// own percentage draw wins; ties never resolve randomly.
	var winner *compiledExperiment
	for i := range snap.experiments {
		exp := &snap.experiments[i]
		if !exp.enabled || !exp.targeting.Matches(req.Method, req.Path, headers) {
			continue
		}
		if !e.samplePercentage(req, exp.id, exp.targeting.Percentage(), settings.DeterministicSampling) {
			continue
		}
		winner = exp
		break
	}
	if winner == nil {
		e.limiter.Record()
		return passThrough()
	}

	directive := faults.Materialize(winner.fault, e.sampler)

	// A missed corruption coin degrades to pass-through and must not consume
	// blast budget.
	if !directive.Affects() {
		e.limiter.Record()
		return Decision{Directive: directive}
	}

	if settings.DryRun {
		e.limiter.Record()
		if e.metrics != nil {
			e.metrics.DryRunDecisions.Inc()
		}
		e.logger.Info("dry run, fault suppressed",
			zap.String("experiment", winner.id),
			zap.String("kind", string(directive.Kind)),
			zap.String("path", req.Path),
			zap.String("method", req.Method))
		return Decision{
			Directive:    faults.PassThrough(),
			ExperimentID: winner.id,
			DryRun:       true,
			Suppressed:   directive,
		}
	}

	if !e.limiter.Observe() {
		if e.metrics != nil {
			e.metrics.BlastRadiusDenials.Inc()
		}
		e.logger.Debug("blast radius cap reached, injection denied",
			zap.String("experiment", winner.id),
			zap.String("path", req.Path))
		return passThrough()
	}

	winner.injections.Add(1)
	e.faultsInjected.Add(1)
	if e.metrics != nil {
		e.metrics.FaultsInjectedTotal.Inc()
		e.metrics.ExperimentInjections.WithLabelValues(winner.id).Inc()
	}
	if settings.LogInjections {
		e.logger.Info("injecting fault",
			zap.String("experiment", winner.id),
			zap.String("kind", string(directive.Kind)),
			zap.String("path", req.Path),
			zap.String("method", req.Method))
	}

	return Decision{
		Directive:    directive,
		ExperimentID: winner.id,
		Headers: map[string]string{
			HeaderInjected:   "true",
			HeaderExperiment: winner.id,
		},
	}
}

// samplePercentage decides whether a matched experiment applies to this
// request. The default strategy draws fresh randomness per request; the
// deterministic strategy hashes the correlation id with the experiment id so
// identical replays make identical decisions.
func (e *Engine) samplePercentage(req Request, experimentID string, percentage int, deterministic bool) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 {
		return false
	}
	if deterministic && req.ID != "" {
		h := fnv.New64a()
		h.Write([]byte(req.ID))
		h.Write([]byte{0})
		h.Write([]byte(experimentID))
		return int(h.Sum64()%100) < percentage
	}
	return e.sampler.Intn(100) < percentage
}
