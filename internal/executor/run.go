package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/delegation"
	"github.com/vinayprograms/taskagent/internal/notify"
	"github.com/vinayprograms/taskagent/internal/planner"
	"github.com/vinayprograms/taskagent/internal/supervision"
	"github.com/vinayprograms/taskagent/internal/task"
)

// stepKind classifies how a step resolved.
type stepKind int

const (
	stepSucceeded stepKind = iota
	stepFailed             // recorded as failed, the plan continues
	stepAborted            // the task fails
	stepHalted             // the task was cancelled or finished elsewhere
)

type stepOutcome struct {
	kind   stepKind
	output string
	reason string
}

// plan generates the initial plan and runs it.
func (e *Engine) plan(ctx context.Context, r *run) *task.Task {
	steps, err := r.planner.Generate(ctx, planner.Request{
		Goal:       r.task.Goal,
		Actor:      r.actor,
		Specialist: r.task.Specialist,
	})
	if err != nil {
		return e.fail(ctx, r, fmt.Sprintf("planning failed: %v", err))
	}

	if !e.update(ctx, r, task.TaskUpdate{
		Status:      task.Ptr(task.StatusExecuting),
		Plan:        steps,
		CurrentStep: task.Ptr(0),
		TotalSteps:  task.Ptr(len(steps)),
	}) {
		return e.current(ctx, r)
	}
	e.record(r, audit.Event{Type: audit.EventPlan, Content: describePlan(steps)})
	e.logger.Info("plan ready", map[string]interface{}{"task_id": r.task.ID, "steps": len(steps)})

	return e.loop(ctx, r, 0, nil)
}

// loop executes the plan from index start. When approved is set, it is the
// pending action of the step at start and runs without gating.
func (e *Engine) loop(ctx context.Context, r *run, start int, approved *task.Action) *task.Task {
	for i := start; i < len(r.task.Plan); i++ {
		if e.halted(ctx, r) {
			return e.current(ctx, r)
		}

		if e.actors != nil && i > 0 && i%e.cfg.RefreshEvery == 0 {
			actor, err := e.actors.Resolve(ctx, r.task.TenantID, r.task.ActorID)
			if err != nil {
				return e.fail(ctx, r, fmt.Sprintf("failed to refresh actor context: %v", err))
			}
			r.actor = actor
		}

		step := r.task.Plan[i]
		var existing *task.Action
		if approved != nil && i == start {
			existing = approved
		} else if step.RequiresApproval {
			return e.pause(ctx, r, i)
		}

		out := e.runStep(ctx, r, i, step, existing)
		switch out.kind {
		case stepHalted:
			e.halted(ctx, r)
			return e.current(ctx, r)
		case stepAborted:
			return e.fail(ctx, r, out.reason)
		}

		if !e.update(ctx, r, task.TaskUpdate{CurrentStep: task.Ptr(i + 1)}) {
			return e.current(ctx, r)
		}
		if out.kind == stepFailed {
			continue
		}

		if r.tracker.Exceeded() {
			completed, _ := e.countActions(ctx, r)
			e.record(r, audit.Event{
				Type:   audit.EventBudgetExceeded,
				Step:   audit.StepIndex(i),
				Reason: r.tracker.Reason(),
			})
			return e.fail(ctx, r, fmt.Sprintf("%v after %d of %d steps completed",
				r.tracker.Err(), completed, len(r.task.Plan)))
		}

		if e.cfg.Observe && i < len(r.task.Plan)-1 {
			if t, stop := e.observe(ctx, r, i, out.output); stop {
				return t
			}
		}
	}
	return e.complete(ctx, r)
}

// runStep executes one step with recovery. existing is reused instead of
// creating a new action (approval resumption).
func (e *Engine) runStep(ctx context.Context, r *run, i int, step task.Step, existing *task.Action) (out stepOutcome) {
	ctx, span := e.startStepSpan(ctx, r, i, step)
	defer func() { e.endStepSpan(span, out) }()

	action := existing
	if action == nil {
		action = &task.Action{
			TaskID:    r.task.ID,
			TenantID:  r.task.TenantID,
			StepIndex: i,
			Tool:      step.Tool,
			Input:     step.Input,
			Status:    task.ActionExecuting,
		}
		if err := e.store.CreateAction(context.WithoutCancel(ctx), action); err != nil {
			return stepOutcome{kind: stepAborted, reason: fmt.Sprintf("failed to record step %d: %v", i+1, err)}
		}
	}
	e.record(r, audit.Event{
		Type:     audit.EventStepStart,
		Step:     audit.StepIndex(i),
		Tool:     step.Tool,
		ActionID: action.ID,
		Content:  step.Rationale,
	})

	capability, ok := r.planner.Lookup(step.Tool)
	if !ok {
		e.failAction(ctx, r, action, 0, 0, fmt.Errorf("capability %q is not available", step.Tool))
		return stepOutcome{kind: stepFailed}
	}
	if err := catalog.ValidateInput(capability.Schema, step.Input); err != nil {
		e.failAction(ctx, r, action, 0, 0, err)
		return stepOutcome{kind: stepFailed}
	}

	input := step.Input
	for attempt := 1; ; attempt++ {
		e.record(r, audit.Event{
			Type:     audit.EventToolCall,
			Step:     audit.StepIndex(i),
			Tool:     step.Tool,
			Input:    input,
			ActionID: action.ID,
			Attempt:  attempt,
		})

		start := time.Now()
		result, err := e.invoke(ctx, r, capability, input)
		latency := since(start)

		if err == nil {
			text, raw := encodeOutput(result)
			updated, uerr := e.store.UpdateAction(context.WithoutCancel(ctx), action.ID, task.ActionUpdate{
				Status:    task.Ptr(task.ActionCompleted),
				Input:     input,
				Output:    raw,
				LatencyMs: task.Ptr(latency),
				Attempts:  task.Ptr(attempt),
			})
			if uerr != nil {
				e.logger.Warn("failed to record step result", map[string]interface{}{"action_id": action.ID, "error": uerr.Error()})
				updated = action
			}
			e.record(r, audit.Event{
				Type:       audit.EventToolResult,
				Step:       audit.StepIndex(i),
				Tool:       step.Tool,
				ActionID:   action.ID,
				Attempt:    attempt,
				Content:    truncate(text, 4000),
				Success:    audit.Bool(true),
				DurationMs: latency,
			})
			e.logger.ToolResult(step.Tool, time.Duration(latency)*time.Millisecond, nil)
			if e.OnStepComplete != nil {
				e.OnStepComplete(r.task, updated)
			}
			return stepOutcome{kind: stepSucceeded, output: text}
		}

		e.record(r, audit.Event{
			Type:       audit.EventToolResult,
			Step:       audit.StepIndex(i),
			Tool:       step.Tool,
			ActionID:   action.ID,
			Attempt:    attempt,
			Success:    audit.Bool(false),
			Error:      err.Error(),
			DurationMs: latency,
		})
		e.logger.ToolResult(step.Tool, time.Duration(latency)*time.Millisecond, err)

		if errors.Is(err, delegation.ErrDepthExceeded) {
			e.failAction(ctx, r, action, attempt, latency, err)
			if len(r.task.Plan) == 1 {
				return stepOutcome{kind: stepAborted, reason: err.Error()}
			}
			return stepOutcome{kind: stepFailed}
		}
		if ctx.Err() != nil {
			e.failAction(ctx, r, action, attempt, latency, err)
			return stepOutcome{kind: stepHalted}
		}

		advice := e.advise(ctx, r, i, step, input, err, attempt)
		switch {
		case advice.Strategy == supervision.StrategySkip:
			e.failAction(ctx, r, action, attempt, latency, err)
			return stepOutcome{kind: stepFailed}
		case advice.Strategy == supervision.StrategyRetryDifferent && attempt <= e.cfg.MaxRetries:
			if advice.Input != nil {
				if verr := catalog.ValidateInput(capability.Schema, advice.Input); verr == nil {
					input = advice.Input
				} else {
					e.logger.Warn("adjusted input rejected, retrying unchanged", map[string]interface{}{
						"task_id": r.task.ID,
						"tool":    step.Tool,
						"error":   verr.Error(),
					})
				}
			}
			continue
		case advice.Strategy == supervision.StrategyAbort:
			e.failAction(ctx, r, action, attempt, latency, err)
			reason := advice.Reason
			if reason == "" {
				reason = err.Error()
			}
			return stepOutcome{kind: stepAborted, reason: fmt.Sprintf("step %d (%s) aborted: %s", i+1, step.Tool, reason)}
		default:
			e.failAction(ctx, r, action, attempt, latency, err)
			return stepOutcome{kind: stepAborted, reason: fmt.Sprintf("step %d (%s) failed after %d attempts: %v", i+1, step.Tool, attempt, err)}
		}
	}
}

// invoke calls a capability, intercepting delegation. Panics become errors.
func (e *Engine) invoke(ctx context.Context, r *run, c catalog.Capability, input map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("capability %s panicked: %v", c.Name, p)
		}
	}()

	if c.Name == delegation.ToolName {
		out, err := r.gateway.Delegate(delegation.WithDepth(ctx, r.task.Depth), delegation.Request{
			Actor:        r.actor,
			ParentTaskID: r.task.ID,
			Input:        input,
		})
		ev := audit.Event{Type: audit.EventDelegation, Input: input, Content: truncate(out, 4000)}
		if err != nil {
			ev.Error = err.Error()
		}
		e.record(r, ev)
		return out, err
	}

	if c.Invoke == nil {
		return nil, fmt.Errorf("capability %s has no invocation", c.Name)
	}
	return c.Invoke(ctx, catalog.Invocation{Tenant: r.task.TenantID, Actor: r.actor, Input: input})
}

// advise asks the recovery advisor what to do about a failure. An advisor
// that cannot answer means skip.
func (e *Engine) advise(ctx context.Context, r *run, i int, step task.Step, input map[string]any, cause error, attempt int) supervision.Advice {
	advice, err := r.supervisor.Advise(ctx, supervision.AdviseRequest{
		Goal:       r.task.Goal,
		Step:       step,
		Input:      input,
		Error:      cause.Error(),
		Attempt:    attempt,
		MaxRetries: e.cfg.MaxRetries,
	})
	if err != nil {
		e.logger.Warn("recovery advisor unavailable, skipping step", map[string]interface{}{
			"task_id": r.task.ID,
			"error":   err.Error(),
		})
		advice = supervision.Advice{Strategy: supervision.StrategySkip, Reason: "recovery advisor unavailable"}
	}
	e.record(r, audit.Event{
		Type:     audit.EventRecovery,
		Step:     audit.StepIndex(i),
		Tool:     step.Tool,
		Attempt:  attempt,
		Decision: string(advice.Strategy),
		Reason:   advice.Reason,
		Error:    cause.Error(),
	})
	return advice
}

// observe lets the observer reshape the rest of the plan after step i.
// It reports true when the task stopped.
func (e *Engine) observe(ctx context.Context, r *run, i int, output string) (*task.Task, bool) {
	plan := r.task.Plan
	obs, err := r.supervisor.Observe(ctx, supervision.ObserveRequest{
		Goal:      r.task.Goal,
		Step:      plan[i],
		Output:    output,
		Remaining: plan[i+1:],
		Completed: i + 1,
		Total:     len(plan),
	})
	if err != nil {
		e.logger.Warn("observer unavailable, continuing", map[string]interface{}{"task_id": r.task.ID, "error": err.Error()})
		return nil, false
	}
	e.record(r, audit.Event{
		Type:     audit.EventObservation,
		Step:     audit.StepIndex(i),
		Decision: string(obs.Verdict),
		Reason:   obs.Reason,
	})

	switch obs.Verdict {
	case supervision.VerdictAbort:
		return e.fail(ctx, r, fmt.Sprintf("aborted after step %d: %s", i+1, obs.Reason)), true
	case supervision.VerdictReplan:
		if r.task.Replans >= e.cfg.MaxReplans {
			e.logger.Info("replan limit reached, keeping plan", map[string]interface{}{"task_id": r.task.ID})
			return nil, false
		}
		steps, err := e.replan(ctx, r, obs.Reason)
		if err != nil {
			e.logger.Warn("replan failed, keeping plan", map[string]interface{}{"task_id": r.task.ID, "error": err.Error()})
			return nil, false
		}
		if !e.splice(ctx, r, i, steps, obs.Reason) {
			return e.current(ctx, r), true
		}
	}
	return nil, false
}

// replan asks for new remaining steps given what has been done so far.
func (e *Engine) replan(ctx context.Context, r *run, feedback string) ([]task.Step, error) {
	actions, err := e.store.ListActions(ctx, r.task.ID)
	if err != nil {
		return nil, err
	}
	history := make([]planner.Outcome, 0, len(actions))
	for _, a := range actions {
		output := a.Error
		if len(a.Output) > 0 {
			output = outputText(a.Output)
		}
		history = append(history, planner.Outcome{Tool: a.Tool, Status: a.Status, Output: output})
	}
	return r.planner.Generate(ctx, planner.Request{
		Goal:       r.task.Goal,
		Actor:      r.actor,
		Specialist: r.task.Specialist,
		History:    history,
		Feedback:   feedback,
	})
}

// splice replaces every step after index i with steps.
func (e *Engine) splice(ctx context.Context, r *run, i int, steps []task.Step, reason string) bool {
	plan := append(append([]task.Step(nil), r.task.Plan[:i+1]...), steps...)
	if !e.update(ctx, r, task.TaskUpdate{
		Plan:       plan,
		TotalSteps: task.Ptr(len(plan)),
		Replans:    task.Ptr(r.task.Replans + 1),
	}) {
		return false
	}
	e.record(r, audit.Event{Type: audit.EventReplan, Step: audit.StepIndex(i), Reason: reason, Content: describePlan(steps)})
	e.logger.Info("plan replaced", map[string]interface{}{"task_id": r.task.ID, "after_step": i + 1, "steps": len(steps)})
	return true
}

// pause records a pending action for step i and parks the task.
func (e *Engine) pause(ctx context.Context, r *run, i int) *task.Task {
	step := r.task.Plan[i]
	action := &task.Action{
		TaskID:    r.task.ID,
		TenantID:  r.task.TenantID,
		StepIndex: i,
		Tool:      step.Tool,
		Input:     step.Input,
		Status:    task.ActionAwaitingApproval,
	}
	if err := e.store.CreateAction(context.WithoutCancel(ctx), action); err != nil {
		return e.fail(ctx, r, fmt.Sprintf("failed to record approval request: %v", err))
	}
	if !e.update(ctx, r, task.TaskUpdate{Status: task.Ptr(task.StatusAwaitingApproval)}) {
		return e.current(ctx, r)
	}
	e.park(r.task.ID, pausedRun{tracker: r.tracker, actor: r.actor})

	notify.Async(e.notifier, notify.ApprovalRequest{
		TaskID:      r.task.ID,
		ActionID:    action.ID,
		TenantID:    r.task.TenantID,
		ActorID:     r.task.ActorID,
		Goal:        r.task.Goal,
		StepIndex:   i,
		Tool:        step.Tool,
		Input:       step.Input,
		Rationale:   step.Rationale,
		BlastRadius: step.BlastRadius,
		RequestedAt: time.Now(),
	})
	e.record(r, audit.Event{
		Type:     audit.EventApprovalRequested,
		Step:     audit.StepIndex(i),
		Tool:     step.Tool,
		Input:    step.Input,
		ActionID: action.ID,
		Content:  step.Rationale,
	})
	e.logger.Info("awaiting approval", map[string]interface{}{
		"task_id":      r.task.ID,
		"action_id":    action.ID,
		"tool":         step.Tool,
		"blast_radius": string(step.BlastRadius),
	})
	return r.task
}

// complete summarizes the task and marks it completed.
func (e *Engine) complete(ctx context.Context, r *run) *task.Task {
	actions, err := e.store.ListActions(context.WithoutCancel(ctx), r.task.ID)
	if err != nil {
		e.logger.Warn("failed to load actions for summary", map[string]interface{}{"task_id": r.task.ID, "error": err.Error()})
	}
	summary := e.summarize(ctx, r, actions)
	completed, failed := tally(actions)
	return e.finish(ctx, r, task.StatusCompleted, &task.Result{
		Summary:        summary,
		CompletedSteps: completed,
		FailedSteps:    failed,
		Usage:          r.tracker.Usage(),
	}, "")
}

// fail marks the task failed with a human-readable reason.
func (e *Engine) fail(ctx context.Context, r *run, reason string) *task.Task {
	completed, failed := e.countActions(ctx, r)
	return e.finish(ctx, r, task.StatusFailed, &task.Result{
		Summary:        reason,
		CompletedSteps: completed,
		FailedSteps:    failed,
		Usage:          r.tracker.Usage(),
	}, reason)
}

func (e *Engine) finish(ctx context.Context, r *run, status task.Status, result *task.Result, reason string) *task.Task {
	u := task.TaskUpdate{Status: task.Ptr(status), Result: result}
	if reason != "" {
		u.Error = task.Ptr(reason)
	}
	if !e.update(ctx, r, u) {
		return e.current(ctx, r)
	}
	e.forget(r.task.ID)

	usage := r.tracker.Usage()
	e.record(r, audit.Event{
		Type:      audit.EventTaskEnd,
		Status:    string(status),
		Content:   truncate(result.Summary, 4000),
		Error:     reason,
		TokensIn:  usage.InputTokens,
		TokensOut: usage.OutputTokens,
		Cost:      usage.Cost,
	})
	fields := map[string]interface{}{
		"task_id":   r.task.ID,
		"status":    string(status),
		"completed": result.CompletedSteps,
		"failed":    result.FailedSteps,
		"tokens":    usage.Tokens(),
	}
	if reason != "" {
		fields["error"] = reason
		e.logger.Warn("task failed", fields)
	} else {
		e.logger.Info("task finished", fields)
	}
	if e.OnTaskEnd != nil {
		e.OnTaskEnd(r.task)
	}
	return r.task
}

// halted reports whether the task must stop before its next step: the
// caller's context is done or the stored task is already terminal.
func (e *Engine) halted(ctx context.Context, r *run) bool {
	if ctx.Err() != nil {
		e.markCancelled(ctx, r, ctx.Err())
		return true
	}
	t, err := e.store.GetTask(ctx, r.task.ID)
	if err != nil {
		e.logger.Warn("failed to poll task status", map[string]interface{}{"task_id": r.task.ID, "error": err.Error()})
		return false
	}
	if t.Status.IsTerminal() {
		r.task = t
		e.forget(t.ID)
		e.logger.Info("task stopped externally", map[string]interface{}{"task_id": t.ID, "status": string(t.Status)})
		return true
	}
	return false
}

func (e *Engine) markCancelled(ctx context.Context, r *run, cause error) {
	reason := "cancelled: " + cause.Error()
	if !e.update(ctx, r, task.TaskUpdate{Status: task.Ptr(task.StatusCancelled), Error: task.Ptr(reason)}) {
		return
	}
	e.forget(r.task.ID)
	e.record(r, audit.Event{Type: audit.EventTaskEnd, Status: string(task.StatusCancelled), Reason: reason})
	if e.OnTaskEnd != nil {
		e.OnTaskEnd(r.task)
	}
}

// update applies u and refreshes r.task. It reports false when the task can
// no longer be updated, which the loop treats as an external stop.
func (e *Engine) update(ctx context.Context, r *run, u task.TaskUpdate) bool {
	t, err := e.store.UpdateTask(context.WithoutCancel(ctx), r.task.ID, u)
	if err != nil {
		if !errors.Is(err, task.ErrTerminal) {
			e.logger.Error("failed to update task", map[string]interface{}{"task_id": r.task.ID, "error": err.Error()})
		}
		return false
	}
	r.task = t
	return true
}

// current returns the stored state of the task, or the last known one.
func (e *Engine) current(ctx context.Context, r *run) *task.Task {
	t, err := e.store.GetTask(context.WithoutCancel(ctx), r.task.ID)
	if err != nil {
		return r.task
	}
	r.task = t
	return t
}

func (e *Engine) failAction(ctx context.Context, r *run, a *task.Action, attempts int, latency int64, cause error) {
	if _, err := e.store.UpdateAction(context.WithoutCancel(ctx), a.ID, task.ActionUpdate{
		Status:    task.Ptr(task.ActionFailed),
		Error:     task.Ptr(cause.Error()),
		LatencyMs: task.Ptr(latency),
		Attempts:  task.Ptr(attempts),
	}); err != nil {
		e.logger.Warn("failed to record step failure", map[string]interface{}{"action_id": a.ID, "error": err.Error()})
	}
	e.logger.Warn("step failed", map[string]interface{}{
		"task_id": r.task.ID,
		"step":    a.StepIndex + 1,
		"tool":    a.Tool,
		"error":   cause.Error(),
	})
}

func (e *Engine) countActions(ctx context.Context, r *run) (completed, failed int) {
	actions, err := e.store.ListActions(context.WithoutCancel(ctx), r.task.ID)
	if err != nil {
		return 0, 0
	}
	return tally(actions)
}

func tally(actions []*task.Action) (completed, failed int) {
	for _, a := range actions {
		switch a.Status {
		case task.ActionCompleted:
			completed++
		case task.ActionFailed:
			failed++
		}
	}
	return completed, failed
}

// encodeOutput renders a tool result as text for prompts and as JSON for storage.
func encodeOutput(v any) (string, json.RawMessage) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		raw, _ := json.Marshal(s)
		return s, raw
	}
	raw, err := json.Marshal(v)
	if err != nil {
		s := fmt.Sprintf("%v", v)
		raw, _ = json.Marshal(s)
		return s, raw
	}
	return string(raw), raw
}

// outputText is the inverse of encodeOutput for stored outputs.
func outputText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func describePlan(steps []task.Step) string {
	var sb strings.Builder
	for i, s := range steps {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, s.Tool)
		if s.RequiresApproval {
			sb.WriteString(" [approval]")
		}
		if s.Rationale != "" {
			sb.WriteString(": " + s.Rationale)
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
