package executor

import (
	"context"
	"fmt"

	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/budget"
	"github.com/vinayprograms/taskagent/internal/task"
)

// Approve records an approval for a pending action, executes it and
// continues the plan from the next step. It returns when the task finishes
// or pauses again.
func (e *Engine) Approve(ctx context.Context, actionID, approverID, reason string) (*task.Task, error) {
	return e.decide(ctx, actionID, approverID, reason, true)
}

// Reject records a rejection for a pending action and re-plans the remaining
// steps with the reason as feedback. Without a usable re-plan the task
// completes with what was already done.
func (e *Engine) Reject(ctx context.Context, actionID, approverID, reason string) (*task.Task, error) {
	return e.decide(ctx, actionID, approverID, reason, false)
}

func (e *Engine) decide(ctx context.Context, actionID, approverID, reason string, approve bool) (*task.Task, error) {
	a, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(a.TaskID)
	defer unlock()

	// Another decision may have landed while waiting for the lock.
	a, err = e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if a.Status != task.ActionAwaitingApproval {
		return nil, fmt.Errorf("%w: action %s is %s", ErrNotPending, actionID, a.Status)
	}
	t, err := e.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, ErrTaskTerminal
	}
	if t.Status != task.StatusAwaitingApproval || a.StepIndex >= len(t.Plan) {
		return nil, fmt.Errorf("%w: task %s is %s", ErrNotPending, t.ID, t.Status)
	}

	state, ok := e.unpark(t.ID)
	if !ok {
		// Paused by another process: budget restarts from zero.
		actor, err := e.resolveActor(ctx, t.TenantID, t.ActorID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve actor: %w", err)
		}
		state = pausedRun{tracker: budget.NewTracker(e.cfg.Budget, e.cfg.Pricing), actor: actor}
	}

	r := e.newRun(t, state.actor, state.tracker, e.Catalog())
	trigger := "reject"
	if approve {
		trigger = "approve"
	}
	ctx, span := e.startTaskSpan(ctx, r, trigger)

	var final *task.Task
	if approve {
		final = e.resumeApproved(ctx, r, a, approverID, reason)
	} else {
		final = e.resumeRejected(ctx, r, a, approverID, reason)
	}
	e.endTaskSpan(span, final)
	return final, nil
}

func (e *Engine) resumeApproved(ctx context.Context, r *run, a *task.Action, approverID, reason string) *task.Task {
	a, err := e.store.UpdateAction(ctx, a.ID, task.ActionUpdate{
		Status:         task.Ptr(task.ActionApproved),
		ApproverID:     task.Ptr(approverID),
		DecisionReason: task.Ptr(reason),
	})
	if err != nil {
		return e.fail(ctx, r, fmt.Sprintf("failed to record approval: %v", err))
	}
	e.record(r, audit.Event{
		Type:     audit.EventApprovalDecision,
		Step:     audit.StepIndex(a.StepIndex),
		Tool:     a.Tool,
		ActionID: a.ID,
		Decision: "approved",
		Approver: approverID,
		Reason:   reason,
	})
	e.logger.Info("action approved", map[string]interface{}{"task_id": r.task.ID, "action_id": a.ID, "approver": approverID})

	if !e.update(ctx, r, task.TaskUpdate{Status: task.Ptr(task.StatusExecuting)}) {
		return e.current(ctx, r)
	}
	return e.loop(ctx, r, a.StepIndex, a)
}

func (e *Engine) resumeRejected(ctx context.Context, r *run, a *task.Action, approverID, reason string) *task.Task {
	if _, err := e.store.UpdateAction(ctx, a.ID, task.ActionUpdate{
		Status:         task.Ptr(task.ActionRejected),
		ApproverID:     task.Ptr(approverID),
		DecisionReason: task.Ptr(reason),
	}); err != nil {
		return e.fail(ctx, r, fmt.Sprintf("failed to record rejection: %v", err))
	}
	e.record(r, audit.Event{
		Type:     audit.EventApprovalDecision,
		Step:     audit.StepIndex(a.StepIndex),
		Tool:     a.Tool,
		ActionID: a.ID,
		Decision: "rejected",
		Approver: approverID,
		Reason:   reason,
	})
	e.logger.Info("action rejected", map[string]interface{}{"task_id": r.task.ID, "action_id": a.ID, "approver": approverID})

	idx := a.StepIndex
	if !e.update(ctx, r, task.TaskUpdate{
		Status:      task.Ptr(task.StatusExecuting),
		CurrentStep: task.Ptr(idx + 1),
	}) {
		return e.current(ctx, r)
	}

	feedback := fmt.Sprintf("The approver rejected step %d (%s).", idx+1, a.Tool)
	if reason != "" {
		feedback += " Reason: " + reason
	}

	if r.task.Replans < e.cfg.MaxReplans {
		steps, err := e.replan(ctx, r, feedback)
		if err == nil {
			if !e.splice(ctx, r, idx, steps, feedback) {
				return e.current(ctx, r)
			}
			return e.loop(ctx, r, idx+1, nil)
		}
		e.logger.Info("no viable plan after rejection", map[string]interface{}{"task_id": r.task.ID, "error": err.Error()})
	}

	// Nothing else to run: the task ends with what was accomplished.
	done := r.task.Plan[:idx+1]
	if !e.update(ctx, r, task.TaskUpdate{Plan: done, TotalSteps: task.Ptr(len(done))}) {
		return e.current(ctx, r)
	}
	return e.complete(ctx, r)
}
