package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"yqhp/deployer/pkg/logger"
)

// DryRunExecutor records command lines without spawning any process.
type DryRunExecutor struct {
	mu    sync.Mutex
	lines []string
}

// NewDryRunExecutor creates a new dry-run executor.
func NewDryRunExecutor() *DryRunExecutor {
	return &DryRunExecutor{}
}

// Run 记录命令并立即返回成功。
func (e *DryRunExecutor) Run(ctx context.Context, line string) (*Output, error) {
	e.mu.Lock()
	e.lines = append(e.lines, line)
	e.mu.Unlock()

	logger.Info("[dry-run] 跳过执行", zap.String("line", line))
	return &Output{}, nil
}

// Lines 返回已记录的命令（按调用顺序）。
func (e *DryRunExecutor) Lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.lines...)
}
