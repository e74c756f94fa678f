package partition

import (
	"errors"
	"fmt"
	"io/fs"
)

// Operations recorded on an IOError.
const (
	OpOpen   = "open"
	OpRead   = "read"
	OpCreate = "create"
	OpWrite  = "write"
	OpClose  = "close"
)

// IOError reports a local file that could not be read or written.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	cause := e.Err
	// PathError 自带操作与路径，只保留底层原因
	var pathErr *fs.PathError
	if errors.As(cause, &pathErr) {
		cause = pathErr.Err
	}
	return fmt.Sprintf("[IO_ERROR] %s %s: %v", e.Op, e.Path, cause)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// IsIOError checks if the error chain contains an IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
