package sandbox

import "time"

// ExecutionResult is what a finished child produced. Exactly one of a normal
// exit, TimedOut, or Crashed holds; ExitCode is nil whenever the process was
// ended by a signal.
type ExecutionResult struct {
	ID              string        `json:"id"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"truncated_stdout"`
	StderrTruncated bool          `json:"truncated_stderr"`
	ExitCode        *int          `json:"exit_code"`
	Duration        time.Duration `json:"duration"`
	TimedOut        bool          `json:"timed_out"`
	Crashed         bool          `json:"crashed"`
	Signal          string        `json:"signal,omitempty"`
	CodeHash        string        `json:"code_hash"`
}

// Status names the terminal state for logs and metric labels.
func (r *ExecutionResult) Status() string {
	switch {
	case r.TimedOut:
		return "timeout"
	case r.Crashed:
		return "crashed"
	default:
		return "ok"
	}
}
