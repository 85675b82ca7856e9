package submission

import (
	"errors"
	"strings"
	"time"

	"codeguard/internal/analysis"
	"codeguard/internal/sandbox"
)

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind string

const (
	KindRateLimited   OutcomeKind = "RATE_LIMITED"
	KindBlocked       OutcomeKind = "BLOCKED"
	KindExecuted      OutcomeKind = "EXECUTED"
	KindOverloaded    OutcomeKind = "OVERLOADED"
	KindInternalError OutcomeKind = "INTERNAL_ERROR"
	KindInvalid       OutcomeKind = "INVALID"
)

const internalErrorMessage = "submission could not be processed"

// Outcome is what Submit returns. Which fields are set depends on Kind:
// RetryAfter for RATE_LIMITED and OVERLOADED, Verdict for BLOCKED, Result for
// EXECUTED, Message for INTERNAL_ERROR and INVALID.
type Outcome struct {
	Kind       OutcomeKind
	RetryAfter time.Duration
	Verdict    *analysis.Verdict
	Result     *sandbox.ExecutionResult
	Message    string
}

func RateLimited(retryAfter time.Duration) Outcome {
	return Outcome{Kind: KindRateLimited, RetryAfter: retryAfter}
}

func Blocked(v analysis.Verdict) Outcome {
	return Outcome{Kind: KindBlocked, Verdict: &v}
}

func Executed(r *sandbox.ExecutionResult) Outcome {
	return Outcome{Kind: KindExecuted, Result: r}
}

func Overloaded(retryAfter time.Duration) Outcome {
	return Outcome{Kind: KindOverloaded, RetryAfter: retryAfter}
}

// InternalError never carries detail about the failure.
func InternalError() Outcome {
	return Outcome{Kind: KindInternalError, Message: internalErrorMessage}
}

func Invalid(msg string) Outcome {
	return Outcome{Kind: KindInvalid, Message: msg}
}

// Submission is one request, alive only for the duration of Submit.
type Submission struct {
	Identity    string
	Source      string
	SubmittedAt time.Time
}

var (
	ErrMissingIdentity = errors.New("identity is required")
	ErrEmptySource     = errors.New("source is required")
)

func (s Submission) Validate() error {
	if strings.TrimSpace(s.Identity) == "" {
		return ErrMissingIdentity
	}
	if strings.TrimSpace(s.Source) == "" {
		return ErrEmptySource
	}
	return nil
}
