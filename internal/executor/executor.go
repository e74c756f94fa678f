// Package executor runs rendered shell command lines, locally or through a
// remote-login wrapper that is already part of the line.
package executor

import (
	"context"
	"time"
)

// Runner executes a single command line to completion.
type Runner interface {
	// Run blocks until the command has exited. A non-zero exit status is
	// reported as *ExecutionError; the returned Output is non-nil either way.
	Run(ctx context.Context, line string) (*Output, error)
}

// Output represents the captured result of one command.
type Output struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, line string) (*Output, error)

// Run calls f(ctx, line).
func (f RunnerFunc) Run(ctx context.Context, line string) (*Output, error) {
	return f(ctx, line)
}
