// Tracing instrumentation for the coordinator.
package coordinator

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/taskagent/internal/task"
)

// startRunSpan starts a span for a coordinated goal.
func (c *Coordinator) startRunSpan(ctx context.Context, t *task.Task) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "coordinator.run")
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.tenant", t.TenantID),
		attribute.Int("coordinator.concurrency", c.concurrency),
	)
	return ctx, span
}

// endRunSpan ends the coordinator span.
func (c *Coordinator) endRunSpan(span trace.Span, t *task.Task) {
	span.SetAttributes(
		attribute.String("task.status", string(t.Status)),
		attribute.Int("task.sub_tasks", t.TotalSteps),
	)
	if t.Error != "" {
		span.SetAttributes(attribute.String("task.error", t.Error))
	}
	span.End()
}

// startSubTaskSpan starts a span for one sub-task.
func (c *Coordinator) startSubTaskSpan(ctx context.Context, parent *task.Task, idx int, plan task.SubTaskPlan) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "subtask."+plan.Specialist)
	span.SetAttributes(
		attribute.String("subtask.specialist", plan.Specialist),
		attribute.Int("subtask.index", idx),
		attribute.String("task.parent_id", parent.ID),
	)
	return ctx, span
}

// endSubTaskSpan ends the sub-task span with the child's outcome.
func (c *Coordinator) endSubTaskSpan(span trace.Span, child *task.Task, err error) {
	if child != nil {
		span.SetAttributes(
			attribute.String("subtask.task_id", child.ID),
			attribute.String("subtask.status", string(child.Status)),
		)
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
