package task

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists tasks and actions.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTask applies the non-nil fields of u. Updating a terminal task returns ErrTerminal.
	UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error)
	ListTasks(ctx context.Context, f Filter) ([]*Task, error)

	CreateAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	UpdateAction(ctx context.Context, id string, u ActionUpdate) (*Action, error)
	// ListActions returns a task's actions ordered by step index, then creation.
	ListActions(ctx context.Context, taskID string) ([]*Action, error)
}

// Filter selects tasks. Empty fields match everything.
type Filter struct {
	TenantID     string
	ActorID      string
	ParentTaskID string
	Status       Status
}

func (f Filter) match(t *Task) bool {
	return (f.TenantID == "" || t.TenantID == f.TenantID) &&
		(f.ActorID == "" || t.ActorID == f.ActorID) &&
		(f.ParentTaskID == "" || t.ParentTaskID == f.ParentTaskID) &&
		(f.Status == "" || t.Status == f.Status)
}

// TaskUpdate is a partial task update; nil fields are left untouched.
type TaskUpdate struct {
	Status      *Status
	Plan        []Step
	CurrentStep *int
	TotalSteps  *int
	Replans     *int
	Result      *Result
	Error       *string
}

// apply mutates t in place.
func (u TaskUpdate) apply(t *Task, now time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Plan != nil {
		t.Plan = append([]Step(nil), u.Plan...)
	}
	if u.CurrentStep != nil {
		t.CurrentStep = *u.CurrentStep
	}
	if u.TotalSteps != nil {
		t.TotalSteps = *u.TotalSteps
	}
	if u.Replans != nil {
		t.Replans = *u.Replans
	}
	if u.Result != nil {
		r := *u.Result
		t.Result = &r
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	t.UpdatedAt = now
	return nil
}

// ActionUpdate is a partial action update; nil fields are left untouched.
type ActionUpdate struct {
	Status         *ActionStatus
	Input          map[string]any
	Output         json.RawMessage
	Error          *string
	LatencyMs      *int64
	Attempts       *int
	ApproverID     *string
	DecisionReason *string
}

func (u ActionUpdate) apply(a *Action, now time.Time) {
	if u.Status != nil {
		a.Status = *u.Status
	}
	if u.Input != nil {
		a.Input = u.Input
	}
	if u.Output != nil {
		a.Output = append(json.RawMessage(nil), u.Output...)
	}
	if u.Error != nil {
		a.Error = *u.Error
	}
	if u.LatencyMs != nil {
		a.LatencyMs = *u.LatencyMs
	}
	if u.Attempts != nil {
		a.Attempts = *u.Attempts
	}
	if u.ApproverID != nil {
		a.ApproverID = *u.ApproverID
	}
	if u.DecisionReason != nil {
		a.DecisionReason = *u.DecisionReason
	}
	a.UpdatedAt = now
}

// Ptr returns a pointer to v, for building partial updates.
func Ptr[T any](v T) *T {
	return &v
}

func cloneTask(t *Task) *Task {
	c := *t
	c.Plan = append([]Step(nil), t.Plan...)
	if t.Result != nil {
		r := *t.Result
		r.SubTasks = append([]SubTaskResult(nil), t.Result.SubTasks...)
		c.Result = &r
	}
	return &c
}

func cloneAction(a *Action) *Action {
	c := *a
	c.Output = append(json.RawMessage(nil), a.Output...)
	return &c
}
