// Package coordinator runs goals that span several specialist domains: it
// decomposes the goal into a dependency graph of sub-tasks, runs them level
// by level through the concurrency limiter and synthesizes one answer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/budget"
	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/delegation"
	"github.com/vinayprograms/taskagent/internal/limiter"
	"github.com/vinayprograms/taskagent/internal/task"
)

// Specialist is the specialist name recorded on coordinator tasks.
const Specialist = "coordinator"

// Defaults.
const (
	DefaultMaxSubTasks  = 5
	DefaultConcurrency  = 1
	DefaultDelay        = time.Second
	DefaultExcerptChars = 600
)

// ErrNotCoordinated is returned by Refresh for tasks this package did not create.
var ErrNotCoordinated = errors.New("not a coordinator task")

// Config holds coordinator configuration.
type Config struct {
	Provider    llm.Provider
	Dispatcher  task.Dispatcher
	Store       task.Store
	Specialists []task.Specialist

	MaxSubTasks int
	Concurrency int
	// Delay paces sub-tasks that had to wait for a slot. Zero means
	// DefaultDelay; a negative value disables pacing.
	Delay        time.Duration
	ExcerptChars int

	Budget  budget.Limits
	Pricing budget.Pricing
	Audit   audit.Recorder
}

// Coordinator decomposes and runs cross-domain goals.
type Coordinator struct {
	provider     llm.Provider
	dispatcher   task.Dispatcher
	store        task.Store
	specialists  map[string]task.Specialist
	maxSubTasks  int
	concurrency  int
	delay        time.Duration
	excerptChars int
	limits       budget.Limits
	pricing      budget.Pricing
	audit        audit.Recorder
	logger       *logging.Logger
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		provider:     cfg.Provider,
		dispatcher:   cfg.Dispatcher,
		store:        cfg.Store,
		specialists:  make(map[string]task.Specialist, len(cfg.Specialists)),
		maxSubTasks:  cfg.MaxSubTasks,
		concurrency:  cfg.Concurrency,
		delay:        cfg.Delay,
		excerptChars: cfg.ExcerptChars,
		limits:       cfg.Budget,
		pricing:      cfg.Pricing,
		audit:        cfg.Audit,
		logger:       logging.New().WithComponent("coordinator"),
	}
	for _, s := range cfg.Specialists {
		c.specialists[s.Name] = s
	}
	if c.maxSubTasks <= 0 {
		c.maxSubTasks = DefaultMaxSubTasks
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	if c.delay == 0 {
		c.delay = DefaultDelay
	} else if c.delay < 0 {
		c.delay = 0
	}
	if c.excerptChars <= 0 {
		c.excerptChars = DefaultExcerptChars
	}
	return c
}

// Run decomposes goal, runs every sub-task as a child task and synthesizes
// the results into the coordinator task's summary.
func (c *Coordinator) Run(ctx context.Context, actor catalog.Actor, goal string) (*task.Task, error) {
	if goal == "" {
		return nil, errors.New("goal is required")
	}
	if len(c.specialists) == 0 {
		return nil, errors.New("no specialists configured")
	}

	t := &task.Task{
		TenantID:   actor.TenantID,
		ActorID:    actor.ID,
		Goal:       goal,
		Specialist: Specialist,
		Status:     task.StatusPlanning,
		Depth:      delegation.Depth(ctx),
	}
	if err := c.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	tracker := budget.NewTracker(c.limits, c.pricing)
	provider := budget.Meter(c.provider, tracker)

	ctx, span := c.startRunSpan(ctx, t)
	c.record(t, audit.Event{Type: audit.EventTaskStart, Content: goal})
	c.logger.Info("coordination started", map[string]interface{}{"task_id": t.ID, "tenant_id": t.TenantID})

	final := c.run(ctx, t, actor, tracker, provider)
	c.endRunSpan(span, final)
	return final, nil
}

func (c *Coordinator) run(ctx context.Context, t *task.Task, actor catalog.Actor, tracker *budget.Tracker, provider llm.Provider) *task.Task {
	id := t.ID
	plans, err := c.decompose(ctx, provider, t.Goal)
	if err != nil {
		return c.finish(ctx, t, task.StatusFailed, &task.Result{
			Summary: fmt.Sprintf("decomposition failed: %v", err),
			Usage:   tracker.Usage(),
		}, fmt.Sprintf("decomposition failed: %v", err))
	}

	deps := make([][]int, len(plans))
	for i, p := range plans {
		deps[i] = p.DependsOn
	}
	levels := Levels(deps)
	c.record(t, audit.Event{Type: audit.EventDecompose, Content: describe(plans, levels)})
	c.logger.Info("decomposed", map[string]interface{}{"task_id": t.ID, "sub_tasks": len(plans), "levels": len(levels)})

	steps := make([]task.Step, len(plans))
	for i, p := range plans {
		steps[i] = task.Step{
			Tool:        delegation.ToolName,
			Input:       map[string]any{"specialist": p.Specialist, "goal": p.Goal, "depends_on": p.DependsOn},
			BlastRadius: catalog.BlastRead,
		}
	}
	t, err = c.store.UpdateTask(ctx, t.ID, task.TaskUpdate{
		Status:      task.Ptr(task.StatusExecuting),
		Plan:        steps,
		CurrentStep: task.Ptr(0),
		TotalSteps:  task.Ptr(len(steps)),
	})
	if err != nil {
		return c.stopped(ctx, id, err)
	}

	results := make([]task.SubTaskResult, len(plans))
	for i, p := range plans {
		results[i] = task.SubTaskResult{Index: i, Specialist: p.Specialist, Goal: p.Goal}
	}
	var childUsage budget.Usage

	done := 0
	for n, level := range levels {
		if stop, cur := c.cancelled(ctx, id); stop {
			return cur
		}
		if n > 0 && c.delay > 0 {
			if err := sleep(ctx, c.delay); err != nil {
				return c.cancel(ctx, id, err)
			}
		}

		units := make([]limiter.Unit[*task.Task], len(level))
		for j, idx := range level {
			idx := idx
			goal := c.augment(plans[idx], results)
			units[j] = func(ctx context.Context) (*task.Task, error) {
				return c.runSubTask(ctx, t, actor, idx, plans[idx], goal)
			}
		}
		outcomes := limiter.Run(ctx, units, limiter.Options{Concurrency: c.concurrency, Delay: c.delay})

		for j, idx := range level {
			res := &results[idx]
			child, err := outcomes[j].Value, outcomes[j].Err
			switch {
			case err != nil:
				res.Status = task.StatusFailed
				res.Result = err.Error()
			case child == nil:
				res.Status = task.StatusFailed
				res.Result = "sub-task produced no task"
			default:
				res.TaskID = child.ID
				res.Status = child.Status
				res.Result = childText(child)
				if child.Result != nil {
					childUsage = add(childUsage, child.Result.Usage)
				}
			}
			c.record(t, audit.Event{
				Type:       audit.EventSubTaskEnd,
				Step:       audit.StepIndex(idx),
				Specialist: plans[idx].Specialist,
				Status:     string(res.Status),
				Content:    truncate(res.Result, 4000),
			})
		}

		done += len(level)
		updated, err := c.store.UpdateTask(context.WithoutCancel(ctx), id, task.TaskUpdate{CurrentStep: task.Ptr(done)})
		if err != nil {
			return c.stopped(ctx, id, err)
		}
		t = updated
	}

	return c.conclude(ctx, t, provider, tracker, results, childUsage)
}

// runSubTask dispatches one sub-task as a child task of t.
func (c *Coordinator) runSubTask(ctx context.Context, t *task.Task, actor catalog.Actor, idx int, plan task.SubTaskPlan, goal string) (*task.Task, error) {
	ctx, span := c.startSubTaskSpan(ctx, t, idx, plan)
	c.record(t, audit.Event{
		Type:       audit.EventSubTaskStart,
		Step:       audit.StepIndex(idx),
		Specialist: plan.Specialist,
		Content:    goal,
	})

	child, err := c.dispatcher.Dispatch(delegation.WithDepth(ctx, t.Depth+1), task.DispatchRequest{
		Actor:        actor,
		Goal:         goal,
		Specialist:   plan.Specialist,
		ParentTaskID: t.ID,
	})
	c.endSubTaskSpan(span, child, err)
	return child, err
}

// augment appends excerpts of completed dependencies to a sub-task goal.
func (c *Coordinator) augment(plan task.SubTaskPlan, results []task.SubTaskResult) string {
	if len(plan.DependsOn) == 0 {
		return plan.Goal
	}
	var sb strings.Builder
	sb.WriteString(plan.Goal)
	sb.WriteString("\n\nResults from earlier sub-tasks:")
	for _, d := range plan.DependsOn {
		r := results[d]
		if r.Status == task.StatusCompleted {
			fmt.Fprintf(&sb, "\n- %s: %s", r.Specialist, truncate(r.Result, c.excerptChars))
		} else {
			fmt.Fprintf(&sb, "\n- %s did not complete (%s); work around the missing result.", r.Specialist, statusLabel(r.Status))
		}
	}
	return sb.String()
}

// conclude synthesizes the results and sets the coordinator's final status.
func (c *Coordinator) conclude(ctx context.Context, t *task.Task, provider llm.Provider, tracker *budget.Tracker, results []task.SubTaskResult, childUsage budget.Usage) *task.Task {
	summary := c.synthesize(ctx, provider, t, results)

	status, completed, failed := outcome(results)
	result := &task.Result{
		Summary:        summary,
		CompletedSteps: completed,
		FailedSteps:    failed,
		Usage:          add(tracker.Usage(), childUsage),
		SubTasks:       results,
	}

	if status == task.StatusAwaitingApproval {
		updated, err := c.store.UpdateTask(context.WithoutCancel(ctx), t.ID, task.TaskUpdate{
			Status: task.Ptr(task.StatusAwaitingApproval),
			Result: result,
		})
		if err != nil {
			return c.stopped(ctx, t.ID, err)
		}
		c.logger.Info("sub-tasks awaiting approval", map[string]interface{}{"task_id": t.ID})
		return updated
	}

	reason := ""
	if status == task.StatusFailed {
		reason = fmt.Sprintf("%d of %d sub-tasks did not complete", len(results)-completed, len(results))
	}
	return c.finish(ctx, t, status, result, reason)
}

// Refresh re-reads the child tasks of a coordinator task paused for
// approvals. Once no child is paused the results are synthesized again and
// the coordinator task finishes.
func (c *Coordinator) Refresh(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Specialist != Specialist || t.Result == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCoordinated, taskID)
	}
	if t.Status != task.StatusAwaitingApproval {
		return t, nil
	}

	results := append([]task.SubTaskResult(nil), t.Result.SubTasks...)
	var childUsage budget.Usage
	for i := range results {
		if results[i].TaskID == "" {
			continue
		}
		child, err := c.store.GetTask(ctx, results[i].TaskID)
		if err != nil {
			return nil, err
		}
		results[i].Status = child.Status
		results[i].Result = childText(child)
		if child.Result != nil {
			childUsage = add(childUsage, child.Result.Usage)
		}
	}

	if status, _, _ := outcome(results); status == task.StatusAwaitingApproval {
		return c.store.UpdateTask(ctx, taskID, task.TaskUpdate{Result: &task.Result{
			Summary:  t.Result.Summary,
			Usage:    t.Result.Usage,
			SubTasks: results,
		}})
	}

	tracker := budget.NewTracker(c.limits, c.pricing)
	return c.conclude(ctx, t, budget.Meter(c.provider, tracker), tracker, results, childUsage), nil
}

func (c *Coordinator) finish(ctx context.Context, t *task.Task, status task.Status, result *task.Result, reason string) *task.Task {
	u := task.TaskUpdate{Status: task.Ptr(status), Result: result}
	if reason != "" {
		u.Error = task.Ptr(reason)
	}
	updated, err := c.store.UpdateTask(context.WithoutCancel(ctx), t.ID, u)
	if err != nil {
		return c.stopped(ctx, t.ID, err)
	}
	c.record(updated, audit.Event{
		Type:      audit.EventTaskEnd,
		Status:    string(status),
		Content:   truncate(result.Summary, 4000),
		Error:     reason,
		TokensIn:  result.Usage.InputTokens,
		TokensOut: result.Usage.OutputTokens,
		Cost:      result.Usage.Cost,
	})
	c.logger.Info("coordination finished", map[string]interface{}{
		"task_id":   t.ID,
		"status":    string(status),
		"completed": result.CompletedSteps,
		"failed":    result.FailedSteps,
	})
	return updated
}

// cancelled polls the stored status between levels.
func (c *Coordinator) cancelled(ctx context.Context, taskID string) (bool, *task.Task) {
	if ctx.Err() != nil {
		return true, c.cancel(ctx, taskID, ctx.Err())
	}
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		c.logger.Warn("failed to poll task status", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return false, nil
	}
	return t.Status.IsTerminal(), t
}

func (c *Coordinator) cancel(ctx context.Context, taskID string, cause error) *task.Task {
	t, err := c.store.UpdateTask(context.WithoutCancel(ctx), taskID, task.TaskUpdate{
		Status: task.Ptr(task.StatusCancelled),
		Error:  task.Ptr("cancelled: " + cause.Error()),
	})
	if err != nil {
		return c.stopped(ctx, taskID, err)
	}
	c.record(t, audit.Event{Type: audit.EventTaskEnd, Status: string(task.StatusCancelled)})
	return t
}

// stopped returns the stored task after an update was refused.
func (c *Coordinator) stopped(ctx context.Context, taskID string, cause error) *task.Task {
	if !errors.Is(cause, task.ErrTerminal) {
		c.logger.Error("failed to update task", map[string]interface{}{"task_id": taskID, "error": cause.Error()})
	}
	t, err := c.store.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return &task.Task{ID: taskID, Status: task.StatusFailed, Error: cause.Error()}
	}
	return t
}

func (c *Coordinator) record(t *task.Task, ev audit.Event) {
	if c.audit == nil {
		return
	}
	ev.TaskID = t.ID
	ev.TenantID = t.TenantID
	ev.ActorID = t.ActorID
	if ev.Specialist == "" {
		ev.Specialist = Specialist
	}
	c.audit.Record(ev)
}

// outcome derives the coordinator status from its children.
func outcome(results []task.SubTaskResult) (status task.Status, completed, failed int) {
	pending := false
	for _, r := range results {
		switch r.Status {
		case task.StatusCompleted:
			completed++
		case task.StatusAwaitingApproval:
			pending = true
		default:
			failed++
		}
	}
	switch {
	case pending:
		return task.StatusAwaitingApproval, completed, failed
	case completed == len(results):
		return task.StatusCompleted, completed, failed
	}
	return task.StatusFailed, completed, failed
}

func childText(t *task.Task) string {
	switch {
	case t.Status == task.StatusAwaitingApproval:
		return fmt.Sprintf("task %s is awaiting approval", t.ID)
	case t.Result != nil && t.Result.Summary != "":
		return t.Result.Summary
	case t.Error != "":
		return t.Error
	}
	return string(t.Status)
}

func statusLabel(s task.Status) string {
	if s == "" {
		return "not run"
	}
	return string(s)
}

func add(a, b budget.Usage) budget.Usage {
	return budget.Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		Cost:         a.Cost + b.Cost,
	}
}

func describe(plans []task.SubTaskPlan, levels [][]int) string {
	var sb strings.Builder
	for i, p := range plans {
		fmt.Fprintf(&sb, "%d. [%s] %s", i, p.Specialist, p.Goal)
		if len(p.DependsOn) > 0 {
			fmt.Fprintf(&sb, " (after %v)", p.DependsOn)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "levels: %v", levels)
	return sb.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
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
