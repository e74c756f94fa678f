// Package sequencer drives a deployment through its fixed phase order:
// cleanup, artifacts, data, master, server, agents and workers, with a
// settle barrier after each role tier.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"yqhp/deployer/internal/batch"
	"yqhp/deployer/internal/executor"
	"yqhp/deployer/internal/partition"
	"yqhp/deployer/internal/plan"
	"yqhp/deployer/pkg/logger"
	"yqhp/deployer/pkg/types"
)

// PartitionFunc splits the training file into n shards.
type PartitionFunc func(source string, n int) (*partition.Stats, error)

// Sequencer runs one deployment plan.
type Sequencer struct {
	plan        *plan.Plan
	batch       *batch.Batch
	barrier     *Barrier
	partitioner PartitionFunc
	observers   []Observer
	runID       string
	log         *zap.Logger

	mu    sync.Mutex
	state State
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithClock sets the clock used by settle barriers.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Sequencer) {
		s.barrier = NewBarrier(clock)
	}
}

// WithObserver subscribes fn to state transitions.
func WithObserver(fn Observer) Option {
	return func(s *Sequencer) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

// WithPartitioner replaces the data partitioner.
func WithPartitioner(fn PartitionFunc) Option {
	return func(s *Sequencer) {
		if fn != nil {
			s.partitioner = fn
		}
	}
}

// WithRunID sets the run identifier instead of a generated one.
func WithRunID(id string) Option {
	return func(s *Sequencer) {
		if id != "" {
			s.runID = id
		}
	}
}

// New creates a Sequencer that executes p through runner.
func New(p *plan.Plan, runner executor.Runner, opts ...Option) *Sequencer {
	s := &Sequencer{
		plan:        p,
		batch:       batch.New(runner, batch.WithMaxParallel(p.MaxParallel())),
		barrier:     NewBarrier(nil),
		partitioner: partition.PartitionWithStats,
		runID:       uuid.New().String(),
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.L().WithOptions(zap.AddCallerSkip(-1)).With(zap.String("run_id", s.runID))
	return s
}

// RunID returns the run identifier attached to every log entry.
func (s *Sequencer) RunID() string {
	return s.runID
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes every phase in order and returns once the workers have been
// launched. Phase failures are logged and collected in the Deployment; the
// run continues unless the plan is strict. The returned error is non-nil only
// when the run stopped early, in which case the Deployment ends in Failed.
func (s *Sequencer) Run(ctx context.Context) (*Deployment, error) {
	dep := &Deployment{
		RunID:     s.runID,
		State:     s.State(),
		StartTime: time.Now(),
	}
	defer func() {
		dep.EndTime = time.Now()
		dep.State = s.State()
	}()

	if dep.State != StateIdle {
		return dep, fmt.Errorf("部署已执行过，当前状态: %s", dep.State)
	}

	s.log.Info("部署开始",
		zap.Int("nodes", len(s.plan.Nodes())),
		zap.Int("worker_num", s.plan.WorkerNum()),
		zap.Bool("strict", s.plan.Strict()))

	// 分片在任何网络阶段之前完成，失败时不下发任何命令
	stats, err := s.splitTrainData()
	if err != nil {
		report := newPhaseReport(types.PhaseData)
		report.finish(err)
		dep.Phases = append(dep.Phases, report)
		return s.abort(dep, types.PhaseData, err)
	}

	for _, phase := range types.Phases {
		if err := ctx.Err(); err != nil {
			return s.abort(dep, phase, err)
		}
		if err := s.transition(dep, StateOf(phase), phase); err != nil {
			return dep, err
		}

		report, fatal := s.runPhase(ctx, phase, stats)
		dep.Phases = append(dep.Phases, report)

		if fatal != nil {
			return s.abort(dep, phase, fatal)
		}
		if report.Failed() {
			s.log.Error("阶段存在失败任务",
				zap.String("phase", string(phase)),
				zap.Error(report.Err))
			if s.plan.Strict() {
				return s.abort(dep, phase, report.Err)
			}
		}
	}

	if err := s.transition(dep, StateRunning, ""); err != nil {
		return dep, err
	}

	fields := []zap.Field{zap.Duration("duration", time.Since(dep.StartTime))}
	if err := dep.Err(); err != nil {
		fields = append(fields, zap.Int("failed_phases", len(multierr.Errors(err))))
	}
	s.log.Info("全部角色已启动", fields...)
	return dep, nil
}

// Stop runs only the cleanup phase against every node.
func (s *Sequencer) Stop(ctx context.Context) (*PhaseReport, error) {
	report := s.runCleanup(ctx)
	return report, report.Err
}

// splitTrainData splits the training file into one shard per worker slot.
func (s *Sequencer) splitTrainData() (*partition.Stats, error) {
	stats, err := s.partitioner(s.plan.TrainSource(), s.plan.WorkerNum())
	if err != nil {
		return nil, err
	}
	if stats != nil {
		s.log.Info("训练数据已分片",
			zap.String("source", stats.Source),
			zap.Int("shards", len(stats.Shards)),
			zap.Int("lines", stats.Total))
	}
	return stats, nil
}

// runPhase executes one phase. The second return value is a fatal error that
// must stop the run regardless of strict mode.
func (s *Sequencer) runPhase(ctx context.Context, phase types.Phase, stats *partition.Stats) (*PhaseReport, error) {
	s.log.Info("阶段开始", zap.String("phase", string(phase)))

	var (
		report *PhaseReport
		fatal  error
	)
	switch phase {
	case types.PhaseCleanup:
		report = s.runCleanup(ctx)
	case types.PhaseArtifacts:
		report = s.runBatch(ctx, phase)
	case types.PhaseData:
		report = s.runData(ctx, stats)
	default:
		report, fatal = s.runRole(ctx, phase)
	}

	s.log.Info("阶段结束",
		zap.String("phase", string(phase)),
		zap.Int("tasks", len(report.Tasks)),
		zap.Bool("failed", report.Failed()),
		zap.Duration("duration", report.EndTime.Sub(report.StartTime)))
	return report, fatal
}

func (s *Sequencer) runCleanup(ctx context.Context) *PhaseReport {
	report := newPhaseReport(types.PhaseCleanup)
	result := s.batch.Sequential(ctx, string(types.PhaseCleanup), s.plan.CleanupCommands())
	report.Tasks = result.Tasks
	report.finish(result.Err())
	return report
}

func (s *Sequencer) runBatch(ctx context.Context, phase types.Phase) *PhaseReport {
	report := newPhaseReport(phase)
	result := s.batch.Run(ctx, string(phase), s.plan.Commands(phase))
	report.Tasks = result.Tasks
	report.finish(result.Err())
	return report
}

// runData copies the shards produced before the first phase, together with
// the evaluation file.
func (s *Sequencer) runData(ctx context.Context, stats *partition.Stats) *PhaseReport {
	report := newPhaseReport(types.PhaseData)
	report.Partition = stats

	result := s.batch.Run(ctx, string(types.PhaseData), s.plan.DataCommands())
	report.Tasks = result.Tasks
	report.finish(result.Err())
	return report
}

// runRole launches a role tier and waits out its settle duration. Launches
// that already failed when the barrier ends are reported on the phase.
func (s *Sequencer) runRole(ctx context.Context, phase types.Phase) (*PhaseReport, error) {
	report := newPhaseReport(phase)
	report.launch = s.batch.Launch(ctx, string(phase), s.plan.Commands(phase))

	settle := s.plan.Settle(phase)
	if settle > 0 {
		s.log.Info("等待角色就绪",
			zap.String("phase", string(phase)),
			zap.Duration("settle", settle))
	}
	err := s.barrier.Wait(ctx, settle)

	report.Tasks = report.launch.Snapshot()
	var failed error
	for _, t := range report.launch.Failed() {
		failed = multierr.Append(failed, fmt.Errorf("%s: %w", t.Command, t.Error))
	}
	report.finish(failed)
	return report, err
}

// abort moves the run to Failed and returns err.
func (s *Sequencer) abort(dep *Deployment, phase types.Phase, err error) (*Deployment, error) {
	dep.FailedPhase = phase
	if terr := s.transition(dep, StateFailed, phase); terr != nil {
		return dep, multierr.Append(err, terr)
	}
	s.log.Error("部署终止",
		zap.String("phase", string(phase)),
		zap.Error(err))
	return dep, err
}

func (s *Sequencer) transition(dep *Deployment, to State, phase types.Phase) error {
	s.mu.Lock()
	from := s.state
	if !from.CanTransitionTo(to) {
		s.mu.Unlock()
		return fmt.Errorf("非法状态迁移: %s -> %s", from, to)
	}
	s.state = to
	s.mu.Unlock()

	t := Transition{From: from, To: to, Phase: phase, At: time.Now()}
	dep.Transitions = append(dep.Transitions, t)
	dep.State = to

	s.log.Debug("状态迁移",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	for _, fn := range s.observers {
		fn(t)
	}
	return nil
}
