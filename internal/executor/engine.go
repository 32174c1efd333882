// Package executor runs task plans step by step: approval gating, recovery,
// observation, re-planning and the budget circuit breaker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/budget"
	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/delegation"
	"github.com/vinayprograms/taskagent/internal/notify"
	"github.com/vinayprograms/taskagent/internal/planner"
	"github.com/vinayprograms/taskagent/internal/supervision"
	"github.com/vinayprograms/taskagent/internal/task"
)

var (
	// ErrNotPending is returned when approving or rejecting an action that is
	// not awaiting a decision.
	ErrNotPending = errors.New("action is not awaiting approval")
	// ErrTaskTerminal is returned for operations on a finished task.
	ErrTaskTerminal = task.ErrTerminal
	// ErrUnknownSpecialist is returned when dispatching to an unconfigured specialist.
	ErrUnknownSpecialist = errors.New("unknown specialist")
	// ErrUnknownActor is returned by resolvers for actors they do not know.
	ErrUnknownActor = errors.New("unknown actor")
)

// Default engine limits.
const (
	DefaultMaxRetries   = 2
	DefaultRefreshEvery = 3
	DefaultMaxReplans   = 3
)

// Config holds engine limits.
type Config struct {
	MaxRetries   int            `toml:"max_retries"`
	RefreshEvery int            `toml:"refresh_every"`
	MaxReplans   int            `toml:"max_replans"`
	MaxSteps     int            `toml:"max_steps"`
	MaxDepth     int            `toml:"max_depth"`
	Observe      bool           `toml:"observe"`
	Budget       budget.Limits  `toml:"-"`
	Pricing      budget.Pricing `toml:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = DefaultRefreshEvery
	}
	if c.MaxReplans <= 0 {
		c.MaxReplans = DefaultMaxReplans
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = planner.DefaultMaxSteps
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = delegation.DefaultMaxDepth
	}
	return c
}

// pausedRun keeps the in-memory state of a task waiting for an approval decision.
type pausedRun struct {
	tracker *budget.Tracker
	actor   catalog.Actor
}

// Engine is the task state machine. It is safe for concurrent use; each task
// is driven by at most one goroutine at a time.
type Engine struct {
	store    task.Store
	provider llm.Provider
	small    llm.Provider
	cfg      Config
	logger   *logging.Logger

	actors   ActorResolver
	notifier notify.Notifier
	audit    audit.Recorder

	locks *taskLocks

	mu          sync.RWMutex
	catalog     *catalog.Catalog
	specialists map[string]task.Specialist
	gateway     *delegation.Gateway
	paused      map[string]pausedRun

	// Callbacks
	OnStepComplete func(t *task.Task, a *task.Action)
	OnTaskEnd      func(t *task.Task)
}

// NewEngine creates an engine over a store, a capability catalog and a model.
func NewEngine(store task.Store, cat *catalog.Catalog, provider llm.Provider, cfg Config) *Engine {
	e := &Engine{
		store:       store,
		provider:    provider,
		cfg:         cfg.withDefaults(),
		logger:      logging.New().WithComponent("executor"),
		locks:       newTaskLocks(),
		catalog:     cat,
		specialists: map[string]task.Specialist{},
		paused:      map[string]pausedRun{},
	}
	e.gateway = delegation.New(delegation.Config{Dispatcher: e, MaxDepth: e.cfg.MaxDepth})
	return e
}

// SetSmallProvider sets the model used by the observer and recovery advisor.
func (e *Engine) SetSmallProvider(p llm.Provider) {
	e.small = p
}

// SetActorResolver sets the source of fresh actor context.
func (e *Engine) SetActorResolver(r ActorResolver) {
	e.actors = r
}

// SetNotifier sets the approval notifier.
func (e *Engine) SetNotifier(n notify.Notifier) {
	e.notifier = n
}

// SetAuditLog sets the audit event recorder.
func (e *Engine) SetAuditLog(r audit.Recorder) {
	e.audit = r
}

// SetSpecialists registers the specialists tasks and delegations may target.
func (e *Engine) SetSpecialists(specialists []task.Specialist) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.specialists = make(map[string]task.Specialist, len(specialists))
	for _, s := range specialists {
		e.specialists[s.Name] = s
	}
	e.gateway = delegation.New(delegation.Config{Dispatcher: e, Specialists: specialists, MaxDepth: e.cfg.MaxDepth})
}

// SetCatalog replaces the capability catalog. Running tasks keep the catalog
// they started with; approval resumptions use the current one.
func (e *Engine) SetCatalog(c *catalog.Catalog) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog = c
}

// Catalog returns the current capability catalog.
func (e *Engine) Catalog() *catalog.Catalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.catalog
}

// Specialists returns the registered specialists.
func (e *Engine) Specialists() []task.Specialist {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]task.Specialist, 0, len(e.specialists))
	for _, s := range e.specialists {
		out = append(out, s)
	}
	return out
}

// Start runs a goal for an actor. It returns when the task finishes or pauses.
func (e *Engine) Start(ctx context.Context, actor catalog.Actor, goal, specialist string) (*task.Task, error) {
	return e.Dispatch(ctx, task.DispatchRequest{Actor: actor, Goal: goal, Specialist: specialist})
}

// Dispatch creates a task and runs it until it finishes or pauses. The
// delegation depth carried by ctx is recorded on the task.
func (e *Engine) Dispatch(ctx context.Context, req task.DispatchRequest) (*task.Task, error) {
	if req.Goal == "" {
		return nil, errors.New("goal is required")
	}
	if req.Actor.TenantID == "" || req.Actor.ID == "" {
		return nil, errors.New("actor with tenant and id is required")
	}
	if req.Specialist != "" {
		if _, ok := e.specialist(req.Specialist); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSpecialist, req.Specialist)
		}
	}

	t := &task.Task{
		TenantID:     req.Actor.TenantID,
		ActorID:      req.Actor.ID,
		Goal:         req.Goal,
		Specialist:   req.Specialist,
		Status:       task.StatusPlanning,
		ParentTaskID: req.ParentTaskID,
		Depth:        delegation.Depth(ctx),
	}
	if err := e.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	unlock := e.locks.lock(t.ID)
	defer unlock()

	r := e.newRun(t, req.Actor, budget.NewTracker(e.cfg.Budget, e.cfg.Pricing), e.Catalog())
	ctx, span := e.startTaskSpan(ctx, r, "start")

	e.logger.Info("task started", map[string]interface{}{
		"task_id":    t.ID,
		"tenant_id":  t.TenantID,
		"specialist": t.Specialist,
		"depth":      t.Depth,
	})
	e.record(r, audit.Event{Type: audit.EventTaskStart, Content: t.Goal})

	final := e.plan(ctx, r)
	e.endTaskSpan(span, final)
	return final, nil
}

// Get returns a task and its actions.
func (e *Engine) Get(ctx context.Context, taskID string) (*task.Task, []*task.Action, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	actions, err := e.store.ListActions(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return t, actions, nil
}

// GetAction returns one action.
func (e *Engine) GetAction(ctx context.Context, actionID string) (*task.Action, error) {
	return e.store.GetAction(ctx, actionID)
}

// List returns tasks matching f.
func (e *Engine) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return e.store.ListTasks(ctx, f)
}

// Cancel marks a task cancelled. A running task observes it before its next
// step; a paused task has its pending action rejected. Non-terminal child
// tasks are cancelled too. Side effects already committed are left in place.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, ErrTaskTerminal
	}

	t, err = e.store.UpdateTask(ctx, taskID, task.TaskUpdate{Status: task.Ptr(task.StatusCancelled)})
	if err != nil {
		return nil, err
	}

	if actions, err := e.store.ListActions(ctx, taskID); err == nil {
		for _, a := range actions {
			if a.Status != task.ActionAwaitingApproval {
				continue
			}
			if _, err := e.store.UpdateAction(ctx, a.ID, task.ActionUpdate{
				Status:         task.Ptr(task.ActionRejected),
				DecisionReason: task.Ptr("task cancelled"),
			}); err != nil {
				e.logger.Warn("failed to reject pending action", map[string]interface{}{"action_id": a.ID, "error": err.Error()})
			}
		}
	}

	if children, err := e.store.ListTasks(ctx, task.Filter{ParentTaskID: taskID}); err == nil {
		for _, c := range children {
			if c.Status.IsTerminal() {
				continue
			}
			if _, err := e.Cancel(ctx, c.ID); err != nil && !errors.Is(err, ErrTaskTerminal) {
				e.logger.Warn("failed to cancel child task", map[string]interface{}{"task_id": c.ID, "error": err.Error()})
			}
		}
	}

	e.forget(taskID)
	e.logger.Info("task cancelled", map[string]interface{}{"task_id": taskID})
	e.recordTask(t, audit.Event{Type: audit.EventTaskEnd, Status: string(task.StatusCancelled)})
	if e.OnTaskEnd != nil {
		e.OnTaskEnd(t)
	}
	return t, nil
}

func (e *Engine) specialist(name string) (task.Specialist, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.specialists[name]
	return s, ok
}

func (e *Engine) delegationGateway() *delegation.Gateway {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gateway
}

func (e *Engine) park(taskID string, p pausedRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused[taskID] = p
}

// unpark returns the state saved when the task paused, if this process has it.
func (e *Engine) unpark(taskID string) (pausedRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.paused[taskID]
	delete(e.paused, taskID)
	return p, ok
}

func (e *Engine) forget(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.paused, taskID)
}

// run is the per-execution state of one task. It is owned by the goroutine
// holding the task lock.
type run struct {
	task       *task.Task
	actor      catalog.Actor
	tracker    *budget.Tracker
	provider   llm.Provider
	planner    *planner.Generator
	supervisor *supervision.Supervisor
	gateway    *delegation.Gateway
}

func (e *Engine) newRun(t *task.Task, actor catalog.Actor, tracker *budget.Tracker, cat *catalog.Catalog) *run {
	provider := budget.Meter(e.provider, tracker)
	small := provider
	if e.small != nil {
		small = budget.Meter(e.small, tracker)
	}

	spec, _ := e.specialist(t.Specialist)
	gateway := e.delegationGateway()
	cat, withDelegation := restrict(cat, spec.Tools)

	var extra []catalog.Capability
	if withDelegation && len(e.Specialists()) > 0 {
		extra = append(extra, gateway.Capability())
	}

	return &run{
		task:     t,
		actor:    actor,
		tracker:  tracker,
		provider: provider,
		planner: planner.New(planner.Config{
			Provider:     provider,
			Catalog:      cat,
			Extra:        extra,
			Instructions: spec.Instructions,
			MaxSteps:     e.cfg.MaxSteps,
		}),
		supervisor: supervision.New(supervision.Config{Provider: small}),
		gateway:    gateway,
	}
}

// restrict narrows a catalog to a specialist's tool list. It also reports
// whether the specialist may delegate.
func restrict(cat *catalog.Catalog, tools []string) (*catalog.Catalog, bool) {
	if len(tools) == 0 {
		return cat, true
	}
	var caps []catalog.Capability
	delegate := false
	for _, name := range tools {
		if name == delegation.ToolName {
			delegate = true
			continue
		}
		if c, ok := cat.Lookup(name); ok {
			caps = append(caps, c)
		}
	}
	narrowed, err := catalog.New(caps...)
	if err != nil {
		// Capabilities already passed validation once; only duplicates in the tool list can land here.
		return cat, delegate
	}
	return narrowed, delegate
}

// resolveActor fetches fresh actor context, falling back to the least
// privileged tier when no resolver is configured.
func (e *Engine) resolveActor(ctx context.Context, tenantID, actorID string) (catalog.Actor, error) {
	if e.actors == nil {
		return catalog.Actor{ID: actorID, TenantID: tenantID, Tier: catalog.TierMember}, nil
	}
	return e.actors.Resolve(ctx, tenantID, actorID)
}

func since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
