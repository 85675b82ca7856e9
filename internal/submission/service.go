// Package submission sequences the rate limiter, static analyzer and
// sandbox for each incoming submission.
package submission

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"codeguard/internal/analysis"
	"codeguard/internal/governor"
	"codeguard/internal/monitor"
	"codeguard/internal/ratelimit"
	"codeguard/internal/sandbox"
	"codeguard/internal/storage"
)

type Analyzer interface {
	Analyze(ctx context.Context, source string) analysis.Verdict
}

type Executor interface {
	Execute(ctx context.Context, source string, limits governor.Limits) (*sandbox.ExecutionResult, error)
}

type Limiter interface {
	CheckAndRecord(identity string, now time.Time) ratelimit.Decision
	Refund(identity string, windowStart time.Time)
	RecordViolation(identity string, now time.Time) time.Duration
}

// Slots hands out execution slots and the limits each execution runs under.
type Slots interface {
	Acquire(ctx context.Context) (func(), error)
	Limits() governor.Limits
}

type AuditLogger interface {
	Log(event *storage.SecurityEvent)
}

// Deps are the collaborators of a Service. Analyzer, Executor, Limiter and
// Slots are required; the rest default to no-op or fresh instances.
type Deps struct {
	Analyzer Analyzer
	Executor Executor
	Limiter  Limiter
	Slots    Slots
	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Detector *monitor.ProbeDetector
	Audit    AuditLogger
}

type Options struct {
	// EscalateOnBlocked treats a blocked submission as a rate-limit
	// violation in addition to counting it against the quota.
	EscalateOnBlocked bool

	// OverloadRetryAfter is the hint returned with OVERLOADED.
	OverloadRetryAfter time.Duration
}

type Service struct {
	analyzer Analyzer
	executor Executor
	limiter  Limiter
	slots    Slots
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.ProbeDetector
	audit    AuditLogger
	opts     Options
}

func NewService(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Analyzer == nil:
		return nil, errors.New("submission: analyzer is required")
	case deps.Executor == nil:
		return nil, errors.New("submission: executor is required")
	case deps.Limiter == nil:
		return nil, errors.New("submission: limiter is required")
	case deps.Slots == nil:
		return nil, errors.New("submission: slots are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = monitor.NewTracer()
	}
	if deps.Detector == nil {
		deps.Detector = monitor.NewProbeDetector()
	}
	if opts.OverloadRetryAfter <= 0 {
		opts.OverloadRetryAfter = time.Second
	}

	return &Service{
		analyzer: deps.Analyzer,
		executor: deps.Executor,
		limiter:  deps.Limiter,
		slots:    deps.Slots,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		detector: deps.Detector,
		audit:    deps.Audit,
		opts:     opts,
	}, nil
}

// Submit runs one submission through the pipeline. Every failure mode is an
// Outcome; Submit never returns partial or unverified output.
func (s *Service) Submit(ctx context.Context, identity, source string, now time.Time) (out Outcome) {
	sub := Submission{Identity: identity, Source: source, SubmittedAt: now}
	identityHash := hashIdentity(identity)

	logger := log.With().Str("identity", identityHash[:16]).Logger()

	ctx, span := s.tracer.StartSpan(ctx, "submit", monitor.AttrIdentity.String(identityHash[:16]))
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("submission pipeline panicked")
			span.SetStatus(codes.Error, "panic")
			out = InternalError()
		}
		span.SetAttributes(monitor.AttrOutcome.String(string(out.Kind)))
		span.End()
		s.metrics.RecordSubmission(string(out.Kind))
	}()

	if err := sub.Validate(); err != nil {
		return Invalid(err.Error())
	}

	decision := s.checkRate(ctx, sub, identityHash, logger)
	if !decision.Allowed {
		return RateLimited(decision.RetryAfter)
	}

	s.metrics.SourceSizeBytes.Observe(float64(len(source)))

	verdict := s.Analyze(ctx, source)
	if !verdict.Allowed {
		s.onBlocked(sub, identityHash, verdict, logger)
		return Blocked(verdict)
	}

	for _, det := range s.detector.ScanSource(source) {
		s.metrics.RecordSecurityEvent(storage.EventProbeDetected)
		s.record(&storage.SecurityEvent{
			Type:         storage.EventProbeDetected,
			Severity:     det.Severity,
			IdentityHash: identityHash,
			CodeHash:     codeHash(source),
			Detail:       fmt.Sprintf("%s (line %d)", det.Pattern, det.Line),
		})
	}

	release, err := s.slots.Acquire(ctx)
	if err != nil {
		// Nothing ran, so the attempt must not cost quota.
		s.limiter.Refund(identity, decision.WindowStart)
		if errors.Is(err, governor.ErrOverloaded) {
			logger.Warn().Msg("no execution slot available")
			return Overloaded(s.opts.OverloadRetryAfter)
		}
		logger.Warn().Err(err).Msg("request ended while waiting for an execution slot")
		return InternalError()
	}
	defer release()

	result, err := s.execute(ctx, source, logger)
	if err != nil {
		s.onSandboxFailure(sub, identityHash, err)
		return InternalError()
	}

	s.scanOutput(result, identityHash, logger)
	return Executed(result)
}

// Analyze vets source without touching quotas or running anything.
func (s *Service) Analyze(ctx context.Context, source string) analysis.Verdict {
	ctx, span := s.tracer.StartSpan(ctx, "analyze")
	defer span.End()

	start := time.Now()
	verdict := s.analyzer.Analyze(ctx, source)
	s.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	for _, v := range verdict.Violations {
		s.metrics.RecordViolation(string(v.Kind))
	}
	span.SetAttributes(monitor.AttrViolations.Int(len(verdict.Violations)))
	return verdict
}

func (s *Service) checkRate(ctx context.Context, sub Submission, identityHash string, logger zerolog.Logger) ratelimit.Decision {
	_, span := s.tracer.StartSpan(ctx, "rate_limit")
	defer span.End()

	decision := s.limiter.CheckAndRecord(sub.Identity, sub.SubmittedAt)
	if decision.PenaltyApplied {
		s.onLockout(identityHash, decision.RetryAfter, decision.Violations, logger)
	}
	return decision
}

func (s *Service) onLockout(identityHash string, penalty time.Duration, violations int, logger zerolog.Logger) {
	logger.Warn().
		Dur("penalty", penalty).
		Int("violations", violations).
		Msg("identity locked out")

	s.metrics.RateLimitPenalty.Observe(penalty.Seconds())
	s.metrics.RecordSecurityEvent(storage.EventLockout)
	s.record(&storage.SecurityEvent{
		Type:         storage.EventLockout,
		Severity:     lockoutSeverity(violations),
		IdentityHash: identityHash,
		Detail:       fmt.Sprintf("violation %d, locked out for %s", violations, penalty),
	})
}

func (s *Service) onBlocked(sub Submission, identityHash string, verdict analysis.Verdict, logger zerolog.Logger) {
	kinds := make([]string, 0, len(verdict.Violations))
	for _, k := range verdict.Kinds() {
		kinds = append(kinds, string(k))
	}
	logger.Info().
		Int("violations", len(verdict.Violations)).
		Strs("kinds", kinds).
		Msg("submission blocked")

	s.metrics.RecordSecurityEvent(storage.EventBlockedSubmission)
	s.record(&storage.SecurityEvent{
		Type:         storage.EventBlockedSubmission,
		Severity:     "medium",
		IdentityHash: identityHash,
		CodeHash:     codeHash(sub.Source),
		Detail:       summarize(verdict),
	})

	if s.opts.EscalateOnBlocked {
		penalty := s.limiter.RecordViolation(sub.Identity, sub.SubmittedAt)
		logger.Warn().Dur("penalty", penalty).Msg("blocked submission escalated to penalty")
		s.metrics.RateLimitPenalty.Observe(penalty.Seconds())
	}
}

func (s *Service) execute(ctx context.Context, source string, logger zerolog.Logger) (*sandbox.ExecutionResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "execute")
	defer span.End()

	s.metrics.ActiveExecutions.Inc()
	defer s.metrics.ActiveExecutions.Dec()

	result, err := s.executor.Execute(ctx, source, s.slots.Limits())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sandbox failure")
		logger.Error().Err(err).Msg("sandbox execution failed")
		return nil, err
	}

	s.metrics.RecordExecution(result.Status(), result.Duration.Seconds(), len(result.Stdout)+len(result.Stderr))
	span.SetAttributes(
		monitor.AttrExecID.String(result.ID),
		monitor.AttrCodeHash.String(result.CodeHash),
		monitor.AttrDurationMS.Int64(result.Duration.Milliseconds()),
	)
	if result.ExitCode != nil {
		span.SetAttributes(monitor.AttrExitCode.Int(*result.ExitCode))
	}
	return result, nil
}

func (s *Service) onSandboxFailure(sub Submission, identityHash string, err error) {
	s.metrics.RecordError(errorType(err))

	var execErr *sandbox.ExecutionError
	execID := ""
	if errors.As(err, &execErr) {
		execID = execErr.ExecID
	}
	s.record(&storage.SecurityEvent{
		Type:         storage.EventSandboxFailure,
		Severity:     "high",
		IdentityHash: identityHash,
		ExecutionID:  execID,
		CodeHash:     codeHash(sub.Source),
		Detail:       err.Error(),
	})
}

func (s *Service) scanOutput(result *sandbox.ExecutionResult, identityHash string, logger zerolog.Logger) {
	detections := s.detector.ScanOutput(result.Stdout + "\n" + result.Stderr)
	if len(detections) == 0 {
		return
	}

	names := make([]string, len(detections))
	for i, det := range detections {
		names[i] = det.Pattern
	}
	logger.Warn().
		Str("exec_id", result.ID).
		Strs("patterns", names).
		Msg("sensitive content in execution output")

	s.metrics.RecordSecurityEvent(storage.EventOutputLeak)
	s.record(&storage.SecurityEvent{
		Type:         storage.EventOutputLeak,
		Severity:     monitor.MaxSeverity(detections),
		IdentityHash: identityHash,
		ExecutionID:  result.ID,
		CodeHash:     result.CodeHash,
		Detail:       strings.Join(names, ","),
	})
}

func (s *Service) record(event *storage.SecurityEvent) {
	if s.audit != nil {
		s.audit.Log(event)
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrScratch):
		return "scratch"
	case errors.Is(err, sandbox.ErrHelper):
		return "helper"
	case errors.Is(err, sandbox.ErrSpawn):
		return "spawn"
	case errors.Is(err, sandbox.ErrWait):
		return "wait"
	case errors.Is(err, governor.ErrInvalidLimits):
		return "limits"
	default:
		return "unknown"
	}
}

func lockoutSeverity(violations int) string {
	switch {
	case violations >= 5:
		return "high"
	case violations >= 2:
		return "medium"
	default:
		return "low"
	}
}

// summarize lists the violations for the audit log, one per line.
func summarize(v analysis.Verdict) string {
	var b strings.Builder
	for i, viol := range v.Violations {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(viol.String())
	}
	return b.String()
}

func hashIdentity(identity string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(identity)))
}

func codeHash(source string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(source)))
}
