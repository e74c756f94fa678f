package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"yqhp/deployer/pkg/logger"
)

// 上下文取消后等待输出管道关闭的上限
const waitDelay = 3 * time.Second

// ShellExecutor 通过 shell 同步执行命令行。
type ShellExecutor struct {
	shell     string
	shellArgs []string
	env       []string
	workDir   string
}

// Option 配置 ShellExecutor。
type Option func(*ShellExecutor)

// WithShell 指定 shell 及其参数，参数为空时按 shell 类型推断。
func WithShell(shell string, args ...string) Option {
	return func(e *ShellExecutor) {
		if shell == "" {
			return
		}
		e.shell = shell
		if len(args) > 0 {
			e.shellArgs = args
			return
		}
		e.shellArgs = defaultShellArgs(shell)
	}
}

// WithEnv 追加环境变量，格式 KEY=VALUE。
func WithEnv(env ...string) Option {
	return func(e *ShellExecutor) {
		e.env = append(e.env, env...)
	}
}

// WithWorkDir 设置本地命令的工作目录。
func WithWorkDir(dir string) Option {
	return func(e *ShellExecutor) {
		e.workDir = dir
	}
}

// NewShellExecutor 创建一个新的 shell 执行器。
func NewShellExecutor(opts ...Option) *ShellExecutor {
	e := &ShellExecutor{}
	if runtime.GOOS == "windows" {
		e.shell = "cmd"
		e.shellArgs = []string{"/C"}
	} else {
		e.shell = "/bin/sh"
		e.shellArgs = []string{"-c"}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Shell 返回使用的 shell 及参数。
func (e *ShellExecutor) Shell() (string, []string) {
	return e.shell, e.shellArgs
}

// Run 执行命令行并等待其退出。
func (e *ShellExecutor) Run(ctx context.Context, line string) (*Output, error) {
	startTime := time.Now()

	args := append(append([]string{}, e.shellArgs...), line)
	cmd := exec.CommandContext(ctx, e.shell, args...)
	cmd.Env = append(os.Environ(), e.env...)
	// 孙进程可能继承输出管道，取消后最多再等待 waitDelay
	cmd.WaitDelay = waitDelay
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("执行命令", zap.String("line", line))
	err := cmd.Run()

	output := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startTime),
	}

	if err == nil {
		logger.Debug("命令完成",
			zap.String("line", line),
			zap.Duration("duration", output.Duration))
		return output, nil
	}

	// 上下文结束导致的中断
	if ctxErr := ctx.Err(); ctxErr != nil {
		output.ExitCode = -1
		return output, NewCanceledError(line, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		output.ExitCode = exitErr.ExitCode()
		return output, NewExecutionError(line, output.ExitCode, output.Stderr, err)
	}

	output.ExitCode = -1
	return output, NewStartError(line, err)
}

// defaultShellArgs 常见 shell 的默认参数
func defaultShellArgs(shell string) []string {
	switch {
	case strings.Contains(shell, "powershell"):
		return []string{"-Command"}
	case strings.Contains(shell, "cmd"):
		return []string{"/C"}
	default:
		return []string{"-c"}
	}
}
