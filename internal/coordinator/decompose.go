package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/taskagent/internal/interpret"
	"github.com/vinayprograms/taskagent/internal/task"
)

// ErrNoSubTasks is returned when decomposition yields nothing usable.
var ErrNoSubTasks = errors.New("decomposition produced no usable sub-tasks")

const decomposeSystemPrompt = `You split an HR request that spans several domains into sub-tasks for specialist assistants.

Each sub-task names exactly one specialist from the list and a self-contained goal for it.
If a sub-task needs the result of another, list that sub-task's index (0-based) in depends_on.

Respond with a JSON array only:
[{"specialist": "<name>", "goal": "<goal>", "depends_on": [<index>, ...]}]`

// rawSubTask accepts the field names models commonly use.
type rawSubTask struct {
	Specialist string          `json:"specialist"`
	Agent      string          `json:"agent"`
	Goal       string          `json:"goal"`
	Task       string          `json:"task"`
	DependsOn  json.RawMessage `json:"depends_on"`
}

// decompose asks the model for sub-tasks and validates them.
func (c *Coordinator) decompose(ctx context.Context, provider llm.Provider, goal string) ([]task.SubTaskPlan, error) {
	resp, err := provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: decomposeSystemPrompt},
			{Role: "user", Content: c.decomposePrompt(goal)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decomposition LLM error: %w", err)
	}
	raw, ok := interpret.List[rawSubTask](resp.Content)
	if !ok {
		c.logger.Warn("decomposition undecodable", map[string]interface{}{"goal": goal})
		return nil, ErrNoSubTasks
	}
	plans := validate(raw, c.specialists, c.maxSubTasks)
	if len(plans) == 0 {
		return nil, ErrNoSubTasks
	}
	return plans, nil
}

func (c *Coordinator) decomposePrompt(goal string) string {
	names := make([]string, 0, len(c.specialists))
	for name := range c.specialists {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "GOAL: %s\n\nSPECIALISTS:\n", goal)
	for _, name := range names {
		sb.WriteString("- " + name)
		if d := c.specialists[name].Description; d != "" {
			sb.WriteString(": " + d)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nUse at most %d sub-tasks.\n", c.maxSubTasks)
	return sb.String()
}

// validate turns decoded entries into sub-task plans. Entries naming an
// unknown specialist, without a goal, or with a malformed dependency list
// are discarded. Dependencies on discarded entries are dropped and the rest
// renumbered. At most limit plans are kept.
func validate(raw []rawSubTask, specialists map[string]task.Specialist, limit int) []task.SubTaskPlan {
	type entry struct {
		orig int
		plan task.SubTaskPlan
	}
	var kept []entry
	for i, r := range raw {
		specialist := r.Specialist
		if specialist == "" {
			specialist = r.Agent
		}
		goal := r.Goal
		if goal == "" {
			goal = r.Task
		}
		if _, ok := specialists[specialist]; !ok || strings.TrimSpace(goal) == "" {
			continue
		}
		deps, ok := parseDeps(r.DependsOn, i, len(raw))
		if !ok {
			continue
		}
		kept = append(kept, entry{orig: i, plan: task.SubTaskPlan{Specialist: specialist, Goal: goal, DependsOn: deps}})
	}
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}

	renumber := make(map[int]int, len(kept))
	for newIdx, e := range kept {
		renumber[e.orig] = newIdx
	}
	plans := make([]task.SubTaskPlan, len(kept))
	for i, e := range kept {
		p := e.plan
		var deps []int
		for _, d := range p.DependsOn {
			if nd, ok := renumber[d]; ok {
				deps = append(deps, nd)
			}
		}
		p.DependsOn = deps
		plans[i] = p
	}
	return plans
}

// parseDeps accepts a missing or null list, or a list of integral indices
// in range other than self.
func parseDeps(data json.RawMessage, self, n int) ([]int, bool) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, true
	}
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, false
	}
	seen := make(map[int]bool, len(values))
	var deps []int
	for _, v := range values {
		if v != math.Trunc(v) {
			return nil, false
		}
		d := int(v)
		if d < 0 || d >= n || d == self {
			return nil, false
		}
		if !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	return deps, true
}
