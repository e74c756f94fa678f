// Package batch runs groups of rendered commands: concurrently with a join,
// one after another, or as detached role launches.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"yqhp/deployer/internal/executor"
	"yqhp/deployer/pkg/logger"
	"yqhp/deployer/pkg/types"
)

// Batch executes commands through a Runner.
type Batch struct {
	runner      executor.Runner
	maxParallel int
}

// Option configures a Batch.
type Option func(*Batch)

// WithMaxParallel caps the number of concurrently running tasks. 0 means no cap.
func WithMaxParallel(n int) Option {
	return func(b *Batch) {
		if n > 0 {
			b.maxParallel = n
		}
	}
}

// New creates a Batch that runs every command through runner.
func New(runner executor.Runner, opts ...Option) *Batch {
	b := &Batch{runner: runner}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run starts one task per command without waiting on earlier tasks and
// returns once every task reached a terminal state. A failing task never
// cancels its siblings.
func (b *Batch) Run(ctx context.Context, name string, cmds []types.Command) *Result {
	result := newResult(name, cmds)
	defer result.finish()
	if len(cmds) == 0 {
		return result
	}

	size := len(cmds)
	if b.maxParallel > 0 && b.maxParallel < size {
		size = b.maxParallel
	}

	logger.Debug("批量任务开始",
		zap.String("batch", name),
		zap.Int("tasks", len(cmds)),
		zap.Int("parallel", size))

	pool, err := ants.NewPool(size)
	if err != nil {
		for _, task := range result.Tasks {
			task.Fail(fmt.Errorf("创建任务池失败: %w", err))
		}
		return result
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range cmds {
		task := result.Tasks[i]
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			b.execute(ctx, name, task)
		}); err != nil {
			wg.Done()
			task.Fail(fmt.Errorf("提交任务失败: %w", err))
		}
	}
	wg.Wait()

	return result
}

// Sequential runs the commands one after another, blocking on each. A failed
// task is recorded and the loop moves on to the next command.
func (b *Batch) Sequential(ctx context.Context, name string, cmds []types.Command) *Result {
	result := newResult(name, cmds)
	defer result.finish()

	for _, task := range result.Tasks {
		b.execute(ctx, name, task)
	}
	return result
}

// execute runs one task and records its outcome in task. Panics are
// reported as task failures.
func (b *Batch) execute(ctx context.Context, name string, task *types.TaskResult) {
	task.Start()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("任务发生 panic",
				zap.String("batch", name),
				zap.String("task", task.Command.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			task.Fail(fmt.Errorf("task panic: %v", r))
		}
	}()

	out, err := b.runner.Run(ctx, task.Command.Line)
	if out != nil {
		task.Stdout = out.Stdout
		task.Stderr = out.Stderr
		task.ExitCode = out.ExitCode
	}
	if err != nil {
		task.ExitCode = executor.ExitCodeOf(err)
		task.Fail(err)
		logger.Warn("任务执行失败",
			zap.String("batch", name),
			zap.String("task", task.Command.String()),
			zap.String("command", task.Command.Line),
			zap.Int("exit_code", task.ExitCode),
			zap.Error(err))
		return
	}
	task.Succeed()
	logger.Debug("任务执行成功",
		zap.String("batch", name),
		zap.String("task", task.Command.String()),
		zap.Duration("duration", task.Duration))
}
