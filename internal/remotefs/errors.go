package remotefs

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError describes an invalid endpoint setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConnectError indicates the connect loop exceeded its retry budget.
type ConnectError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return "connect failed"
	}
	return fmt.Sprintf("unable to connect to host '%s' after %d retries: %v", e.Host, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// OperationError wraps a failed request with its name and path.
type OperationError struct {
	Op   string
	Path string
	Err  error
}

func (e *OperationError) Error() string {
	if e == nil {
		return "remote operation failed"
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrOperationTimeout is wrapped when a request exceeds OperationTimeout.
var ErrOperationTimeout = errors.New("operation timed out")

func timeoutError(op, p string, d time.Duration) error {
	return &OperationError{Op: op, Path: p, Err: fmt.Errorf("%w after %s", ErrOperationTimeout, d)}
}

// IsConnectError reports whether err came from an exhausted connect loop.
func IsConnectError(err error) bool {
	var cerr *ConnectError
	return errors.As(err, &cerr)
}
