package sandbox

import (
	"errors"
	"fmt"
)

// Infrastructure failures. A submission that times out, crashes, or is
// killed for exceeding a limit is a result, never one of these.
var (
	ErrScratch = errors.New("scratch directory unavailable")
	ErrSpawn   = errors.New("process could not be started")
	ErrHelper  = errors.New("sandbox helper failed")
	ErrWait    = errors.New("process wait failed")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsSpawnFailure returns true if the child process never ran.
func IsSpawnFailure(err error) bool {
	return errors.Is(err, ErrSpawn) || errors.Is(err, ErrHelper)
}
