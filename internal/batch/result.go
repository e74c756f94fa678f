package batch

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"yqhp/deployer/pkg/types"
)

// Result holds the per-task outcomes of one batch, indexed like its commands.
type Result struct {
	Name      string              `json:"name"`
	Tasks     []*types.TaskResult `json:"tasks"`
	StartTime time.Time           `json:"start_time"`
	EndTime   time.Time           `json:"end_time"`
	Duration  time.Duration       `json:"duration"`
}

func newResult(name string, cmds []types.Command) *Result {
	r := &Result{
		Name:      name,
		Tasks:     make([]*types.TaskResult, len(cmds)),
		StartTime: time.Now(),
	}
	for i, cmd := range cmds {
		r.Tasks[i] = types.NewTaskResult(i, cmd)
	}
	return r
}

func (r *Result) finish() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// Failed returns the tasks that ended in failure, in command order.
func (r *Result) Failed() []*types.TaskResult {
	var failed []*types.TaskResult
	for _, t := range r.Tasks {
		if t.State == types.TaskStateFailed {
			failed = append(failed, t)
		}
	}
	return failed
}

// Succeeded returns the number of successful tasks.
func (r *Result) Succeeded() int {
	n := 0
	for _, t := range r.Tasks {
		if t.IsSuccess() {
			n++
		}
	}
	return n
}

// OK reports whether every task succeeded.
func (r *Result) OK() bool {
	return r.Succeeded() == len(r.Tasks)
}

// Err folds every task error into one error, or returns nil.
// Each error is prefixed with the command it belongs to.
func (r *Result) Err() error {
	var errs error
	for _, t := range r.Failed() {
		err := t.Error
		if err == nil {
			err = fmt.Errorf("task ended in state %s", t.State)
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.Command, err))
	}
	return errs
}
