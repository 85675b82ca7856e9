package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"codeguard/internal/analysis"
	"codeguard/internal/submission"
)

// Submitter is the part of submission.Service the handlers drive.
type Submitter interface {
	Submit(ctx context.Context, identity, source string, now time.Time) submission.Outcome
	Analyze(ctx context.Context, source string) analysis.Verdict
}

type Handlers struct {
	svc Submitter
	now func() time.Time
}

func NewHandlers(svc Submitter) *Handlers {
	return &Handlers{svc: svc, now: time.Now}
}

func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmissionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	out := h.svc.Submit(r.Context(), req.Identity, req.Source, h.now())
	resp := NewSubmissionResponse(out)
	status := statusForOutcome(out.Kind)

	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	}

	log.Debug().
		Str("request_id", RequestIDFromContext(r.Context())).
		Str("outcome", resp.Outcome).
		Int("status", status).
		Msg("submission handled")

	writeJSON(w, status, resp)
}

func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		writeError(w, "source is required", "INVALID", http.StatusBadRequest, r)
		return
	}

	verdict := h.svc.Analyze(r.Context(), req.Source)
	violations := verdict.Violations
	if violations == nil {
		violations = []analysis.Violation{}
	}
	writeJSON(w, http.StatusOK, AnalyzeResponse{Allowed: verdict.Allowed, Violations: violations})
}

func statusForOutcome(kind submission.OutcomeKind) int {
	switch kind {
	case submission.KindRateLimited:
		return http.StatusTooManyRequests
	case submission.KindOverloaded:
		return http.StatusServiceUnavailable
	case submission.KindBlocked, submission.KindExecuted:
		return http.StatusOK
	case submission.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody writes the error response itself and reports whether the
// handler should continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", "PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID", http.StatusBadRequest, r)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
