package sequencer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"yqhp/deployer/internal/batch"
	"yqhp/deployer/internal/partition"
	"yqhp/deployer/pkg/types"
)

// PhaseReport records what happened during one phase.
type PhaseReport struct {
	Phase     types.Phase         `json:"phase"`
	StartTime time.Time           `json:"start_time"`
	EndTime   time.Time           `json:"end_time"`
	Tasks     []*types.TaskResult `json:"tasks"`
	Partition *partition.Stats    `json:"partition,omitempty"`
	Err       error               `json:"-"`
	ErrorText string              `json:"error,omitempty"`

	launch *batch.Launch
}

func newPhaseReport(phase types.Phase) *PhaseReport {
	return &PhaseReport{Phase: phase, StartTime: time.Now()}
}

func (r *PhaseReport) finish(err error) {
	r.EndTime = time.Now()
	r.setErr(err)
}

func (r *PhaseReport) setErr(err error) {
	r.Err = err
	r.ErrorText = ""
	if err != nil {
		r.ErrorText = err.Error()
	}
}

// Failed reports whether the phase recorded an error.
func (r *PhaseReport) Failed() bool {
	return r.Err != nil
}

// Deployment is the outcome of one run. Role processes launched during the
// run keep running after Run returns; Wait joins them.
type Deployment struct {
	RunID       string         `json:"run_id"`
	State       State          `json:"state"`
	FailedPhase types.Phase    `json:"failed_phase,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Phases      []*PhaseReport `json:"phases"`
	Transitions []Transition   `json:"transitions"`
}

// Phase returns the report of phase, or nil if the phase never started.
func (d *Deployment) Phase(phase types.Phase) *PhaseReport {
	for _, r := range d.Phases {
		if r.Phase == phase {
			return r
		}
	}
	return nil
}

// Err folds the errors of every phase, or returns nil.
func (d *Deployment) Err() error {
	var errs error
	for _, r := range d.Phases {
		if r.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("phase %s: %w", r.Phase, r.Err))
		}
	}
	return errs
}

// Launches returns the role launches started during the run.
func (d *Deployment) Launches() []*batch.Launch {
	var launches []*batch.Launch
	for _, r := range d.Phases {
		if r.launch != nil {
			launches = append(launches, r.launch)
		}
	}
	return launches
}

// Wait blocks until every role process exited, then updates the role phase
// reports with their final outcomes and returns the folded role failures.
// It returns ctx.Err() if ctx ends first.
func (d *Deployment) Wait(ctx context.Context) error {
	var errs error
	for _, r := range d.Phases {
		if r.launch == nil {
			continue
		}
		result, err := r.launch.Wait(ctx)
		if err != nil {
			return err
		}
		r.Tasks = result.Tasks
		if rerr := result.Err(); rerr != nil {
			r.setErr(rerr)
			errs = multierr.Append(errs, fmt.Errorf("phase %s: %w", r.Phase, rerr))
		}
	}
	return errs
}
