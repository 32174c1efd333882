// Package delegation lets a plan step hand a sub-goal to another specialist.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/task"
)

// ToolName is the pseudo-capability intercepted before catalog dispatch.
const ToolName = "delegate_to_specialist"

// DefaultMaxDepth is the deepest nesting of delegated tasks.
const DefaultMaxDepth = 3

var (
	// ErrDepthExceeded is returned instead of recursing past the maximum depth.
	ErrDepthExceeded = errors.New("delegation depth exceeded")
	// ErrChildFailed wraps the error of a delegated task that did not complete.
	ErrChildFailed = errors.New("delegated task did not complete")
)

type ctxKey int

const ctxKeyDepth ctxKey = iota

// WithDepth returns a context carrying the delegation depth of the task running in it.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, ctxKeyDepth, depth)
}

// Depth returns the delegation depth carried by ctx (0 for a top-level task).
func Depth(ctx context.Context) int {
	if d, ok := ctx.Value(ctxKeyDepth).(int); ok {
		return d
	}
	return 0
}

// Config holds gateway configuration.
type Config struct {
	Dispatcher  task.Dispatcher
	Specialists []task.Specialist
	MaxDepth    int
}

// Gateway dispatches delegation steps through a Dispatcher.
type Gateway struct {
	dispatcher  task.Dispatcher
	specialists map[string]task.Specialist
	maxDepth    int
	logger      *logging.Logger
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	specialists := make(map[string]task.Specialist, len(cfg.Specialists))
	for _, s := range cfg.Specialists {
		specialists[s.Name] = s
	}
	return &Gateway{
		dispatcher:  cfg.Dispatcher,
		specialists: specialists,
		maxDepth:    maxDepth,
		logger:      logging.New().WithComponent("delegation"),
	}
}

// Capability describes the delegation tool to the planner.
func (g *Gateway) Capability() catalog.Capability {
	names := make([]string, 0, len(g.specialists))
	for name := range g.specialists {
		names = append(names, name)
	}
	sort.Strings(names)

	var desc strings.Builder
	desc.WriteString("Hand a sub-goal to another specialist and use its answer.")
	if len(names) > 0 {
		desc.WriteString(" Specialists: ")
		for i, name := range names {
			if i > 0 {
				desc.WriteString("; ")
			}
			desc.WriteString(name)
			if d := g.specialists[name].Description; d != "" {
				desc.WriteString(" (" + d + ")")
			}
		}
	}

	return catalog.Capability{
		Name:        ToolName,
		Description: desc.String(),
		Schema: catalog.Schema{Fields: []catalog.Field{
			{Name: "specialist", Type: catalog.TypeString, Required: true},
			{Name: "goal", Type: catalog.TypeString, Required: true},
		}},
		BlastRadius: catalog.BlastRead,
	}
}

// Request is one delegation.
type Request struct {
	Actor        catalog.Actor
	ParentTaskID string
	Input        map[string]any
}

// Delegate runs the sub-goal in input as a child task one level deeper than
// ctx. The child's summary is returned as the step output.
func (g *Gateway) Delegate(ctx context.Context, req Request) (string, error) {
	depth := Depth(ctx) + 1
	if depth > g.maxDepth {
		return "", fmt.Errorf("%w: attempted depth %d exceeds maximum of %d", ErrDepthExceeded, depth, g.maxDepth)
	}

	specialist, _ := req.Input["specialist"].(string)
	goal, _ := req.Input["goal"].(string)
	if goal == "" {
		return "", fmt.Errorf("%w: delegation needs a goal", catalog.ErrInvalidInput)
	}
	if _, ok := g.specialists[specialist]; !ok {
		return "", fmt.Errorf("%w: unknown specialist %q", catalog.ErrInvalidInput, specialist)
	}

	g.logger.Info("delegating", map[string]interface{}{
		"parent_task_id": req.ParentTaskID,
		"specialist":     specialist,
		"depth":          depth,
	})

	child, err := g.dispatcher.Dispatch(WithDepth(ctx, depth), task.DispatchRequest{
		Actor:        req.Actor,
		Goal:         goal,
		Specialist:   specialist,
		ParentTaskID: req.ParentTaskID,
	})
	if err != nil {
		return "", fmt.Errorf("delegation to %s failed: %w", specialist, err)
	}

	switch child.Status {
	case task.StatusCompleted:
		if child.Result != nil {
			return child.Result.Summary, nil
		}
		return "", nil
	case task.StatusAwaitingApproval:
		return fmt.Sprintf("Delegated to %s as task %s, which is awaiting approval of a pending action and will continue once a decision is recorded.",
			specialist, child.ID), nil
	default:
		msg := child.Error
		if msg == "" {
			msg = string(child.Status)
		}
		return "", fmt.Errorf("%w: %s task %s: %s", ErrChildFailed, specialist, child.ID, msg)
	}
}
