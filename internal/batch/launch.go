package batch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"yqhp/deployer/pkg/logger"
	"yqhp/deployer/pkg/types"
)

// Launch tracks long-running role processes started without a join.
type Launch struct {
	name   string
	result *Result
	mu     sync.Mutex
	done   chan struct{}
}

// Launch starts every command concurrently and returns immediately.
// The tasks keep running after the caller moves on; use Failed to poll for
// early exits and Wait to join them.
func (b *Batch) Launch(ctx context.Context, name string, cmds []types.Command) *Launch {
	l := &Launch{
		name:   name,
		result: newResult(name, cmds),
		done:   make(chan struct{}),
	}

	logger.Debug("角色进程启动",
		zap.String("batch", name),
		zap.Int("tasks", len(cmds)))

	var wg sync.WaitGroup
	for i := range cmds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			task := types.NewTaskResult(i, cmds[i])
			b.execute(ctx, name, task)

			l.mu.Lock()
			l.result.Tasks[i] = task
			l.mu.Unlock()
		}(i)
	}

	go func() {
		wg.Wait()
		l.mu.Lock()
		l.result.finish()
		l.mu.Unlock()
		close(l.done)
	}()

	return l
}

// Name returns the launch name.
func (l *Launch) Name() string {
	return l.name
}

// Done is closed once every launched task has terminated.
func (l *Launch) Done() <-chan struct{} {
	return l.done
}

// Snapshot returns a copy of every task's current outcome, in command order.
func (l *Launch) Snapshot() []*types.TaskResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	tasks := make([]*types.TaskResult, len(l.result.Tasks))
	for i, t := range l.result.Tasks {
		copied := *t
		tasks[i] = &copied
	}
	return tasks
}

// Failed returns the tasks that already terminated with an error.
func (l *Launch) Failed() []*types.TaskResult {
	var failed []*types.TaskResult
	for _, t := range l.Snapshot() {
		if t.State == types.TaskStateFailed {
			failed = append(failed, t)
		}
	}
	return failed
}

// Wait blocks until every launched task terminated or ctx is done.
func (l *Launch) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-l.done:
		return l.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
