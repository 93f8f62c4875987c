package dagexec

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maestro-hive/kernel/pkg/workflow"
)

// startSpan opens a trace span for one node execution when a Tracer is
// configured, and returns an end function that records the outcome. When no
// Tracer is configured it is a no-op, so DAGExecutor works unmodified
// without an OpenTelemetry SDK wired in.
func (e *DAGExecutor) startSpan(ctx context.Context, n *workflow.Node) (context.Context, func(error)) {
	if e.opts.Tracer == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := e.opts.Tracer.Start(ctx, "dagexec.node",
		trace.WithAttributes(
			attribute.String("maestro_hive.node_id", n.ID),
			attribute.String("maestro_hive.persona_id", n.PersonaID),
			attribute.String("maestro_hive.phase_id", n.PhaseID),
		),
	)
	return spanCtx, func(err error) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
