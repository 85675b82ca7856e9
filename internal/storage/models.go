package storage

import "time"

// Event types written to the audit log.
const (
	EventBlockedSubmission = "blocked_submission"
	EventLockout           = "rate_limit_lockout"
	EventProbeDetected     = "probe_detected"
	EventOutputLeak        = "output_leak"
	EventSandboxFailure    = "sandbox_failure"
)

// SecurityEvent is one audit record. Source text is never stored; the code
// hash links events for the same submission.
type SecurityEvent struct {
	ID           string    `json:"id" db:"id"`
	Type         string    `json:"type" db:"type"`
	Severity     string    `json:"severity" db:"severity"`
	IdentityHash string    `json:"identity_hash" db:"identity_hash"`
	ExecutionID  string    `json:"execution_id,omitempty" db:"execution_id"`
	CodeHash     string    `json:"code_hash,omitempty" db:"code_hash"`
	Detail       string    `json:"detail" db:"detail"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
