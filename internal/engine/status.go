package engine

// Status is a point-in-time snapshot of the engine's state, served by the
// admin endpoint.
type Status struct {
	Enabled        bool               `json:"enabled"`
	DryRun         bool               `json:"dry_run"`
	Draining       bool               `json:"draining"`
	RequestsTotal  uint64             `json:"requests_total"`
	FaultsInjected uint64             `json:"faults_injected"`
	Experiments    []ExperimentStatus `json:"experiments"`
	BlastRadius    BlastStatus        `json:"blast_radius"`
}

// ExperimentStatus summarizes one configured experiment.
type ExperimentStatus struct {
	ID         string `json:"id"`
	Enabled    bool   `json:"enabled"`
	Injections uint64 `json:"injections"`
}

// BlastStatus reports the limiter's current window.
type BlastStatus struct {
	MaxPercent int    `json:"max_affected_percent"`
	Seen       uint64 `json:"seen"`
	Affected   uint64 `json:"affected"`
}

// Status returns the current engine state.
func (e *Engine) Status() Status {
	snap := e.active.Load()
	seen, affected := e.limiter.Counts()

	st := Status{
		Enabled:        snap.cfg.Settings.Enabled,
		DryRun:         snap.cfg.Settings.DryRun,
		Draining:       e.draining.Load(),
		RequestsTotal:  e.requestsTotal.Load(),
		FaultsInjected: e.faultsInjected.Load(),
		BlastRadius: BlastStatus{
			MaxPercent: e.limiter.MaxPercent(),
			Seen:       seen,
			Affected:   affected,
		},
	}
	for i := range snap.experiments {
		exp := &snap.experiments[i]
		st.Experiments = append(st.Experiments, ExperimentStatus{
			ID:         exp.id,
			Enabled:    exp.enabled,
			Injections: exp.injections.Load(),
		})
	}
	return st
}

// InjectionCount returns the number of injections for one experiment id.
func (e *Engine) InjectionCount(id string) uint64 {
	snap := e.active.Load()
	for i := range snap.experiments {
		if snap.experiments[i].id == id {
			return snap.experiments[i].injections.Load()
		}
	}
	return 0
}
