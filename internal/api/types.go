package api

import (
	"math"
	"time"

	"codeguard/internal/analysis"
	"codeguard/internal/submission"
)

// SubmissionRequest is the body of POST /v1/submissions.
type SubmissionRequest struct {
	Identity string `json:"identity"`
	Source   string `json:"source"`
}

// AnalyzeRequest is the body of POST /v1/analyze.
type AnalyzeRequest struct {
	Source string `json:"source"`
}

// SubmissionResponse is the body for every submission outcome. Only the
// fields belonging to Outcome are populated.
type SubmissionResponse struct {
	Outcome           string               `json:"outcome"`
	RetryAfterSeconds int64                `json:"retry_after_seconds,omitempty"`
	Violations        []analysis.Violation `json:"violations,omitempty"`
	Message           string               `json:"message,omitempty"`
	*ExecutionResponse
}

// ExecutionResponse carries what an executed submission produced.
type ExecutionResponse struct {
	ID              string `json:"id"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        *int   `json:"exit_code"`
	TimedOut        bool   `json:"timed_out"`
	Crashed         bool   `json:"crashed"`
	Signal          string `json:"signal,omitempty"`
	TruncatedStdout bool   `json:"truncated_stdout"`
	TruncatedStderr bool   `json:"truncated_stderr"`
	DurationMS      int64  `json:"duration_ms"`
}

// AnalyzeResponse is the verdict returned by POST /v1/analyze.
type AnalyzeResponse struct {
	Allowed    bool                 `json:"allowed"`
	Violations []analysis.Violation `json:"violations"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status            string `json:"status"`
	Database          bool   `json:"database"`
	Capacity          int    `json:"capacity"`
	ActiveExecutions  int64  `json:"active_executions"`
	TrackedIdentities int    `json:"tracked_identities"`
	Uptime            string `json:"uptime"`
}

// NewSubmissionResponse renders out for the wire.
func NewSubmissionResponse(out submission.Outcome) SubmissionResponse {
	resp := SubmissionResponse{Outcome: string(out.Kind)}

	switch out.Kind {
	case submission.KindRateLimited, submission.KindOverloaded:
		resp.RetryAfterSeconds = retryAfterSeconds(out.RetryAfter)
	case submission.KindBlocked:
		if out.Verdict != nil {
			resp.Violations = out.Verdict.Violations
		}
	case submission.KindExecuted:
		if r := out.Result; r != nil {
			resp.ExecutionResponse = &ExecutionResponse{
				ID:              r.ID,
				Stdout:          r.Stdout,
				Stderr:          r.Stderr,
				ExitCode:        r.ExitCode,
				TimedOut:        r.TimedOut,
				Crashed:         r.Crashed,
				Signal:          r.Signal,
				TruncatedStdout: r.StdoutTruncated,
				TruncatedStderr: r.StderrTruncated,
				DurationMS:      r.Duration.Milliseconds(),
			}
		}
	default:
		resp.Message = out.Message
	}
	return resp
}

// retryAfterSeconds rounds up so a client that waits the advertised time is
// never rejected again for the same penalty.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Seconds()))
}
