// Package task defines the Task and Action records and their persistence contract.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/taskagent/internal/budget"
	"github.com/vinayprograms/taskagent/internal/catalog"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrActionNotFound = errors.New("action not found")
	// ErrTerminal is returned when an update targets a task that already finished.
	ErrTerminal = errors.New("task is terminal")
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPlanning         Status = "planning"
	StatusExecuting        Status = "executing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step is one planned tool invocation.
type Step struct {
	Tool             string              `json:"tool"`
	Input            map[string]any      `json:"input,omitempty"`
	Rationale        string              `json:"rationale,omitempty"`
	BlastRadius      catalog.BlastRadius `json:"blast_radius,omitempty"`
	RequiresApproval bool                `json:"requires_approval,omitempty"`
}

// Result is the terminal outcome of a task.
type Result struct {
	Summary        string          `json:"summary"`
	CompletedSteps int             `json:"completed_steps"`
	FailedSteps    int             `json:"failed_steps"`
	Usage          budget.Usage    `json:"usage"`
	SubTasks       []SubTaskResult `json:"sub_tasks,omitempty"`
}

// Task is one goal execution.
type Task struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ActorID      string    `json:"actor_id"`
	Goal         string    `json:"goal"`
	Specialist   string    `json:"specialist,omitempty"`
	Status       Status    `json:"status"`
	Plan         []Step    `json:"plan,omitempty"`
	CurrentStep  int       `json:"current_step"`
	TotalSteps   int       `json:"total_steps"`
	ParentTaskID string    `json:"parent_task_id,omitempty"`
	Depth        int       `json:"depth,omitempty"`
	Replans      int       `json:"replans,omitempty"`
	Result       *Result   `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ActionStatus is the state of one executed or attempted step.
type ActionStatus string

const (
	ActionExecuting        ActionStatus = "executing"
	ActionCompleted        ActionStatus = "completed"
	ActionFailed           ActionStatus = "failed"
	ActionAwaitingApproval ActionStatus = "awaiting_approval"
	ActionApproved         ActionStatus = "approved"
	ActionRejected         ActionStatus = "rejected"
)

// Action is the durable record of one step's execution.
type Action struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	TenantID       string          `json:"tenant_id"`
	StepIndex      int             `json:"step_index"`
	Tool           string          `json:"tool"`
	Input          map[string]any  `json:"input,omitempty"`
	Status         ActionStatus    `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	LatencyMs      int64           `json:"latency_ms"`
	Attempts       int             `json:"attempts"`
	ApproverID     string          `json:"approver_id,omitempty"`
	DecisionReason string          `json:"decision_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SubTaskPlan is one node of a coordinator decomposition.
type SubTaskPlan struct {
	Specialist string `json:"specialist"`
	Goal       string `json:"goal"`
	DependsOn  []int  `json:"depends_on,omitempty"`
}

// SubTaskResult is the outcome of one coordinator sub-task.
type SubTaskResult struct {
	Index      int    `json:"index"`
	Specialist string `json:"specialist"`
	Goal       string `json:"goal"`
	TaskID     string `json:"task_id,omitempty"`
	Status     Status `json:"status"`
	Result     string `json:"result,omitempty"`
}

// DispatchRequest asks for a goal to be run by a specialist.
type DispatchRequest struct {
	Actor        catalog.Actor
	Goal         string
	Specialist   string
	ParentTaskID string
}

// Dispatcher starts a task and runs it until it finishes or pauses.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*Task, error)
}

// Specialist is a named executor persona with its own instructions and tool subset.
// Empty Tools means every capability.
type Specialist struct {
	Name         string   `toml:"-" json:"name"`
	Description  string   `toml:"description" json:"description,omitempty"`
	Instructions string   `toml:"instructions" json:"instructions,omitempty"`
	Tools        []string `toml:"tools" json:"tools,omitempty"`
}
