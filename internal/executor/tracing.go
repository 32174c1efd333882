// Tracing instrumentation for the executor.
package executor

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/taskagent/internal/task"
)

// startTaskSpan starts a span for one drive of the state machine
// (start, approve or reject).
func (e *Engine) startTaskSpan(ctx context.Context, r *run, trigger string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "task.run")
	span.SetAttributes(
		attribute.String("task.id", r.task.ID),
		attribute.String("task.tenant", r.task.TenantID),
		attribute.String("task.specialist", r.task.Specialist),
		attribute.String("task.trigger", trigger),
		attribute.Int("task.depth", r.task.Depth),
	)
	return ctx, span
}

// endTaskSpan ends the task span with the state the task was left in.
func (e *Engine) endTaskSpan(span trace.Span, t *task.Task) {
	span.SetAttributes(
		attribute.String("task.status", string(t.Status)),
		attribute.Int("task.current_step", t.CurrentStep),
		attribute.Int("task.total_steps", t.TotalSteps),
	)
	if t.Error != "" {
		span.SetAttributes(attribute.String("task.error", t.Error))
	}
	span.End()
}

// startStepSpan starts a span for a step execution.
func (e *Engine) startStepSpan(ctx context.Context, r *run, i int, step task.Step) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "step."+step.Tool)
	span.SetAttributes(
		attribute.String("step.tool", step.Tool),
		attribute.Int("step.index", i),
		attribute.String("step.blast_radius", string(step.BlastRadius)),
		attribute.String("task.id", r.task.ID),
	)
	return ctx, span
}

// endStepSpan ends the step span with output info.
func (e *Engine) endStepSpan(span trace.Span, out stepOutcome) {
	tracer := telemetry.GetTracer()
	span.SetAttributes(attribute.String("step.outcome", out.kind.String()))
	if tracer.Debug() && out.output != "" {
		span.SetAttributes(attribute.String("step.output", truncate(out.output, 2000)))
	}
	if out.reason != "" {
		span.SetAttributes(attribute.String("step.reason", out.reason))
	}
	span.End()
}

func (k stepKind) String() string {
	switch k {
	case stepSucceeded:
		return "succeeded"
	case stepFailed:
		return "failed"
	case stepAborted:
		return "aborted"
	case stepHalted:
		return "halted"
	}
	return "unknown"
}
