package executor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of execution failure.
type ErrorCode string

const (
	// ErrCodeExecution indicates the command exited with a non-zero status.
	ErrCodeExecution ErrorCode = "EXECUTION_ERROR"
	// ErrCodeStart indicates the shell could not be started at all.
	ErrCodeStart ErrorCode = "START_ERROR"
	// ErrCodeCanceled indicates the command was killed because its context ended.
	ErrCodeCanceled ErrorCode = "CANCELED"
)

// stderr 在错误信息中最多保留的字节数
const maxStderrInError = 512

// ExecutionError represents a command that did not complete successfully.
// Command and ExitCode are preserved for diagnostics.
type ExecutionError struct {
	Code     ErrorCode
	Command  string
	ExitCode int
	Stderr   string
	Cause    error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] exit code %d: %s", e.Code, e.ExitCode, e.Command)
	if tail := stderrTail(e.Stderr); tail != "" {
		fmt.Fprintf(&b, ": %s", tail)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for a command that exited non-zero.
func NewExecutionError(command string, exitCode int, stderr string, cause error) *ExecutionError {
	return &ExecutionError{
		Code:     ErrCodeExecution,
		Command:  command,
		ExitCode: exitCode,
		Stderr:   stderr,
		Cause:    cause,
	}
}

// NewStartError creates an error for a command whose shell could not be spawned.
func NewStartError(command string, cause error) *ExecutionError {
	return &ExecutionError{
		Code:     ErrCodeStart,
		Command:  command,
		ExitCode: -1,
		Cause:    cause,
	}
}

// NewCanceledError creates an error for a command interrupted by its context.
func NewCanceledError(command string, cause error) *ExecutionError {
	return &ExecutionError{
		Code:     ErrCodeCanceled,
		Command:  command,
		ExitCode: -1,
		Cause:    cause,
	}
}

// AsExecutionError 从错误链中提取 ExecutionError
func AsExecutionError(err error) (*ExecutionError, bool) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr, true
	}
	return nil, false
}

// IsExecutionError checks if the error chain contains an ExecutionError.
func IsExecutionError(err error) bool {
	_, ok := AsExecutionError(err)
	return ok
}

// ExitCodeOf 返回错误中携带的退出码，没有则返回 -1
func ExitCodeOf(err error) int {
	if execErr, ok := AsExecutionError(err); ok {
		return execErr.ExitCode
	}
	return -1
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrInError {
		s = "..." + s[len(s)-maxStderrInError:]
	}
	return s
}
