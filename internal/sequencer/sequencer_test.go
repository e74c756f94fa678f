package sequencer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"yqhp/deployer/internal/config"
	"yqhp/deployer/internal/executor"
	"yqhp/deployer/internal/partition"
	"yqhp/deployer/internal/plan"
	"yqhp/deployer/pkg/logger"
	"yqhp/deployer/pkg/types"
)

var nodePattern = regexp.MustCompile(`deployer@([a-z0-9-]+)`)

// recorder 记录每条命令，可按规则注入失败
type recorder struct {
	mu    sync.Mutex
	lines []string
	fail  func(line string) error
}

func (r *recorder) Run(ctx context.Context, line string) (*executor.Output, error) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()

	if r.fail != nil {
		if err := r.fail(line); err != nil {
			return &executor.Output{ExitCode: 1}, err
		}
	}
	return &executor.Output{}, nil
}

func (r *recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// calls 返回某阶段命令的 (序号, 节点) 列表
func (r *recorder) calls(phase types.Phase) (idx []int, nodes []string) {
	for i, line := range r.Lines() {
		if classify(line) == phase {
			idx = append(idx, i)
			nodes = append(nodes, nodeOf(line))
		}
	}
	return idx, nodes
}

func classify(line string) types.Phase {
	switch {
	case strings.HasPrefix(line, "scp "):
		return types.PhaseArtifacts
	case strings.HasPrefix(line, "rsync "):
		return types.PhaseData
	case strings.Contains(line, "kill_all.py"):
		return types.PhaseCleanup
	case strings.Contains(line, "master_main"):
		return types.PhaseMaster
	case strings.Contains(line, "server_main"):
		return types.PhaseServer
	case strings.Contains(line, "agent_main"):
		return types.PhaseAgents
	case strings.Contains(line, "linear_regression.py"):
		return types.PhaseWorkers
	}
	return ""
}

func nodeOf(line string) string {
	m := nodePattern.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}

// scenarioConfig 三个节点、worker_num=2、训练文件 7 行
func scenarioConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Cluster.User = "deployer"
	cfg.Cluster.Nodes = []string{"node-a", "node-b", "node-c"}
	cfg.Cluster.Master = config.HostConfig{Address: "node-a"}
	cfg.Cluster.Server = config.HostConfig{Address: "node-a", Interface: "eno1"}
	cfg.Cluster.Agents = []string{"node-a", "node-b", "node-c"}
	cfg.Cluster.Interfaces = []string{"eno2", "eno2", "eno2"}
	cfg.Job.WorkerNum = 2
	cfg.Files.LocalRoot = root
	cfg.Timing = config.TimingConfig{}

	var b strings.Builder
	for i := 0; i < 7; i++ {
		b.WriteString("line" + string(rune('0'+i)) + "\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, cfg.Files.TrainFile), []byte(b.String()), 0644))
	return cfg
}

func newSequencer(t *testing.T, cfg *config.Config, runner executor.Runner, opts ...Option) *Sequencer {
	t.Helper()
	p, err := plan.New(cfg)
	require.NoError(t, err)
	return New(p, runner, opts...)
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.L()
	logger.SetLogger(zap.New(core))
	t.Cleanup(func() { logger.SetLogger(prev) })
	return logs
}

func TestRun_EndToEnd(t *testing.T) {
	cfg := scenarioConfig(t)
	rec := &recorder{}

	var states []State
	s := newSequencer(t, cfg, rec, WithObserver(func(tr Transition) {
		states = append(states, tr.To)
	}))

	dep, err := s.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, dep.Wait(context.Background()))
	assert.NoError(t, dep.Err())
	assert.Equal(t, StateRunning, dep.State)
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, order[1:], states)

	source := filepath.Join(cfg.Files.LocalRoot, cfg.Files.TrainFile)
	shard0, err := os.ReadFile(source + "0")
	require.NoError(t, err)
	shard1, err := os.ReadFile(source + "1")
	require.NoError(t, err)
	assert.Equal(t, "line0\nline2\nline4\nline6\n", string(shard0))
	assert.Equal(t, "line1\nline3\nline5\n", string(shard1))
	assert.Equal(t, []int{4, 3}, dep.Phase(types.PhaseData).Partition.Lines)

	// 清理按节点顺序逐个执行，且最先发生
	cleanupIdx, cleanupNodes := rec.calls(types.PhaseCleanup)
	assert.Equal(t, []int{0, 1, 2}, cleanupIdx)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, cleanupNodes)

	artifactIdx, _ := rec.calls(types.PhaseArtifacts)
	dataIdx, dataNodes := rec.calls(types.PhaseData)
	masterIdx, masterNodes := rec.calls(types.PhaseMaster)
	assert.Len(t, artifactIdx, 6)
	assert.ElementsMatch(t, []string{"node-a", "node-b", "node-a", "node-b"}, dataNodes)
	require.Len(t, masterIdx, 1)
	assert.Equal(t, []string{"node-a"}, masterNodes)
	for _, i := range append(append(cleanupIdx, artifactIdx...), dataIdx...) {
		assert.Less(t, i, masterIdx[0])
	}
	for _, i := range artifactIdx {
		assert.Less(t, i, dataIdx[0])
	}

	_, serverNodes := rec.calls(types.PhaseServer)
	assert.Equal(t, []string{"node-a"}, serverNodes)

	_, agentNodes := rec.calls(types.PhaseAgents)
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, agentNodes)

	_, workerNodes := rec.calls(types.PhaseWorkers)
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, workerNodes)
	for _, line := range rec.Lines() {
		if classify(line) == types.PhaseWorkers {
			assert.True(t, strings.HasSuffix(line, "linear_regression.py 2'"), line)
		}
	}
}

func TestRun_CopyFailureReportedBeforeMaster(t *testing.T) {
	logs := observeLogs(t)
	cfg := scenarioConfig(t)
	rec := &recorder{fail: func(line string) error {
		if strings.HasPrefix(line, "scp ") && strings.Contains(line, "@node-b:") {
			return executor.NewExecutionError(line, 1, "connection refused", nil)
		}
		return nil
	}}
	s := newSequencer(t, cfg, rec, WithRunID("run-1"))

	dep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, dep.State)

	artifacts := dep.Phase(types.PhaseArtifacts)
	require.NotNil(t, artifacts)
	require.Len(t, artifacts.Tasks, 6)
	failed := 0
	for _, task := range artifacts.Tasks {
		assert.True(t, task.State.IsTerminal())
		if !task.IsSuccess() {
			failed++
			assert.Equal(t, "node-b", task.Command.Node)
			assert.Equal(t, 1, task.ExitCode)
		}
	}
	assert.Equal(t, 2, failed)
	assert.True(t, executor.IsExecutionError(dep.Err()))

	// 失败在 master 启动前已被记录
	failureAt, masterAt := -1, -1
	for i, entry := range logs.All() {
		ctx := entry.ContextMap()
		if entry.Message == "阶段存在失败任务" && ctx["phase"] == string(types.PhaseArtifacts) {
			failureAt = i
			assert.Equal(t, "run-1", ctx["run_id"])
		}
		if entry.Message == "状态迁移" && ctx["to"] == string(StateStartingMaster) {
			masterAt = i
		}
	}
	require.NotEqual(t, -1, failureAt)
	require.NotEqual(t, -1, masterAt)
	assert.Less(t, failureAt, masterAt)

	_, masterNodes := rec.calls(types.PhaseMaster)
	assert.Len(t, masterNodes, 1)
}

func TestRun_StrictStopsAfterFailingPhase(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Runtime.Strict = true
	rec := &recorder{fail: func(line string) error {
		if strings.HasPrefix(line, "scp ") {
			return errors.New("copy failed")
		}
		return nil
	}}
	s := newSequencer(t, cfg, rec)

	dep, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, dep.State)
	assert.Equal(t, types.PhaseArtifacts, dep.FailedPhase)

	dataIdx, _ := rec.calls(types.PhaseData)
	masterIdx, _ := rec.calls(types.PhaseMaster)
	assert.Empty(t, dataIdx)
	assert.Empty(t, masterIdx)
	assert.Nil(t, dep.Phase(types.PhaseData))
}

func TestRun_PartitionFailureIsFatal(t *testing.T) {
	cfg := scenarioConfig(t)
	require.NoError(t, os.Remove(filepath.Join(cfg.Files.LocalRoot, cfg.Files.TrainFile)))
	rec := &recorder{}
	var states []State
	s := newSequencer(t, cfg, rec, WithObserver(func(tr Transition) {
		states = append(states, tr.To)
	}))

	dep, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, partition.IsIOError(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, types.PhaseData, dep.FailedPhase)
	assert.Equal(t, []State{StateFailed}, states)

	// 分片失败时集群上不应有任何操作，包括清理与分发
	assert.Empty(t, rec.Lines())
	for _, phase := range []types.Phase{types.PhaseCleanup, types.PhaseArtifacts, types.PhaseData, types.PhaseMaster} {
		idx, _ := rec.calls(phase)
		assert.Empty(t, idx, phase)
	}

	report := dep.Phase(types.PhaseData)
	require.NotNil(t, report)
	assert.True(t, report.Failed())
	assert.Nil(t, dep.Phase(types.PhaseCleanup))
}

func TestRun_PartitionBeforeCleanup(t *testing.T) {
	cfg := scenarioConfig(t)
	rec := &recorder{}
	var issuedBeforeSplit int
	s := newSequencer(t, cfg, rec, WithPartitioner(func(source string, n int) (*partition.Stats, error) {
		issuedBeforeSplit = len(rec.Lines())
		return partition.PartitionWithStats(source, n)
	}))

	dep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, issuedBeforeSplit)
	assert.Equal(t, []int{4, 3}, dep.Phase(types.PhaseData).Partition.Lines)
}

func TestRun_CustomPartitioner(t *testing.T) {
	cfg := scenarioConfig(t)
	var gotSource string
	var gotN int
	s := newSequencer(t, cfg, &recorder{}, WithPartitioner(func(source string, n int) (*partition.Stats, error) {
		gotSource, gotN = source, n
		return partition.Describe(source, n), nil
	}))

	dep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Files.LocalRoot, cfg.Files.TrainFile), gotSource)
	assert.Equal(t, 2, gotN)
	assert.Len(t, dep.Phase(types.PhaseData).Partition.Shards, 2)
}

// TestRun_SettleBarriers 在假时钟上验证每个角色层都等满 settle 时长
func TestRun_SettleBarriers(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Timing = config.TimingConfig{MasterSettle: 5 * time.Second, ServerSettle: 5 * time.Second, AgentSettle: 5 * time.Second}
	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	s := newSequencer(t, cfg, rec, WithClock(clock))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type outcome struct {
		dep *Deployment
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		dep, err := s.Run(ctx)
		done <- outcome{dep, err}
	}()

	has := func(phase types.Phase) bool {
		idx, _ := rec.calls(phase)
		return len(idx) > 0
	}

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, StateStartingMaster, s.State())
	assert.False(t, has(types.PhaseServer))
	clock.Advance(4 * time.Second)
	assert.False(t, has(types.PhaseServer))
	clock.Advance(time.Second)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, StateStartingServer, s.State())
	require.Eventually(t, func() bool { return has(types.PhaseMaster) }, time.Second, 5*time.Millisecond)
	assert.False(t, has(types.PhaseAgents))
	clock.Advance(5 * time.Second)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, StateStartingAgents, s.State())
	assert.False(t, has(types.PhaseWorkers))
	clock.Advance(5 * time.Second)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, StateRunning, out.dep.State)
	case <-ctx.Done():
		t.Fatal("run did not finish after the last barrier")
	}
	require.Eventually(t, func() bool { return has(types.PhaseWorkers) }, time.Second, 5*time.Millisecond)
}

func TestRun_LaunchFailureSurfacedAtBarrier(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Timing.MasterSettle = 5 * time.Second
	clock := clockwork.NewFakeClock()
	rec := &recorder{fail: func(line string) error {
		if strings.Contains(line, "master_main") {
			return executor.NewExecutionError(line, 127, "master_main: not found", nil)
		}
		return nil
	}}
	s := newSequencer(t, cfg, rec, WithClock(clock))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan *Deployment, 1)
	go func() {
		dep, _ := s.Run(ctx)
		done <- dep
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Eventually(t, func() bool {
		idx, _ := rec.calls(types.PhaseMaster)
		return len(idx) == 1
	}, time.Second, 5*time.Millisecond)
	// 给启动协程留出记录结果的时间
	time.Sleep(50 * time.Millisecond)
	clock.Advance(5 * time.Second)

	dep := <-done
	master := dep.Phase(types.PhaseMaster)
	require.NotNil(t, master)
	require.True(t, master.Failed())
	assert.Contains(t, master.ErrorText, "exit code 127")
	assert.Equal(t, StateRunning, dep.State)

	err := dep.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, 127, executor.ExitCodeOf(err))
}

func TestRun_CanceledDuringBarrier(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Timing.MasterSettle = time.Hour
	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	s := newSequencer(t, cfg, rec, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var dep *Deployment
	go func() {
		var err error
		dep, err = s.Run(ctx)
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, dep.State)
	assert.Equal(t, types.PhaseMaster, dep.FailedPhase)
	idx, _ := rec.calls(types.PhaseServer)
	assert.Empty(t, idx)
}

func TestRun_OnlyOnce(t *testing.T) {
	s := newSequencer(t, scenarioConfig(t), &recorder{})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	assert.Error(t, err)
}

func TestStop_RunsCleanupOnly(t *testing.T) {
	rec := &recorder{fail: func(line string) error {
		if strings.Contains(line, "@node-b ") {
			return errors.New("no route to host")
		}
		return nil
	}}
	s := newSequencer(t, scenarioConfig(t), rec)

	report, err := s.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.PhaseCleanup, report.Phase)
	assert.Len(t, report.Tasks, 3)

	idx, nodes := rec.calls(types.PhaseCleanup)
	assert.Len(t, idx, len(rec.Lines()))
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, nodes)
	assert.Equal(t, StateIdle, s.State())
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, StateIdle.CanTransitionTo(StateCleaning))
	assert.True(t, StateStartingWorkers.CanTransitionTo(StateRunning))
	assert.True(t, StateDistributingData.CanTransitionTo(StateFailed))
	assert.False(t, StateIdle.CanTransitionTo(StateStartingMaster))
	assert.False(t, StateCleaning.CanTransitionTo(StateIdle))
	assert.False(t, StateRunning.CanTransitionTo(StateFailed))
	assert.False(t, StateFailed.CanTransitionTo(StateCleaning))
	assert.True(t, StateRunning.IsTerminal())
	assert.Equal(t, StateStartingAgents, StateOf(types.PhaseAgents))

	for _, phase := range types.Phases {
		assert.NotEmpty(t, StateOf(phase), phase)
	}
}

func TestBarrier_Wait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBarrier(clock)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Wait(ctx, 3*time.Second) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)
	select {
	case <-done:
		t.Fatal("barrier returned before its duration elapsed")
	default:
	}
	clock.Advance(time.Second)
	assert.NoError(t, <-done)

	assert.NoError(t, b.Wait(ctx, 0))

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.ErrorIs(t, b.Wait(canceled, time.Minute), context.Canceled)
}
