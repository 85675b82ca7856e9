package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "codeguard"
	spanPrefix = "codeguard."
)

// Tracer starts one span per pipeline stage.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global TracerProvider, which is a no-op until the
// process installs an exporter.
func NewTracer() *Tracer {
	return NewTracerWithProvider(otel.GetTracerProvider())
}

func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// StartSpan starts the span for stage and returns the context carrying it.
func (t *Tracer) StartSpan(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanPrefix+stage, trace.WithAttributes(attrs...))
}

// Span attributes. Identities are always the truncated hash, never the raw value.
var (
	AttrIdentity   = attribute.Key("codeguard.identity")
	AttrOutcome    = attribute.Key("codeguard.outcome")
	AttrViolations = attribute.Key("codeguard.violations")
	AttrExecID     = attribute.Key("codeguard.execution.id")
	AttrCodeHash   = attribute.Key("codeguard.code_hash")
	AttrExitCode   = attribute.Key("codeguard.exit_code")
	AttrDurationMS = attribute.Key("codeguard.duration_ms")
)
