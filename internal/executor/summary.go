package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/taskagent/internal/task"
)

const summarySystemPrompt = `You report the outcome of an automated HR assistant task to the person who asked for it.

Write a short plain-text summary: what was done, what failed or was skipped, and anything still pending.
Use only the step results you are given. Never invent employee records or figures.`

// summarize produces the final natural-language report. If the model call
// fails the per-step results are concatenated instead.
func (e *Engine) summarize(ctx context.Context, r *run, actions []*task.Action) string {
	report := stepReport(r.task, actions)

	resp, err := r.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: report},
		},
	})
	if err == nil && strings.TrimSpace(resp.Content) != "" {
		return strings.TrimSpace(resp.Content)
	}
	if err != nil {
		e.logger.Warn("summary generation failed, using step results", map[string]interface{}{
			"task_id": r.task.ID,
			"error":   err.Error(),
		})
	}
	return fallbackSummary(r.task.Goal, actions)
}

func stepReport(t *task.Task, actions []*task.Action) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GOAL: %s\n\nPLAN:\n%s\n\nRESULTS:\n", t.Goal, describePlan(t.Plan))
	if len(actions) == 0 {
		sb.WriteString("(no steps were executed)\n")
	}
	for _, a := range actions {
		fmt.Fprintf(&sb, "%d. %s [%s]: %s\n", a.StepIndex+1, a.Tool, a.Status, truncate(actionText(a), 1000))
	}
	return sb.String()
}

func fallbackSummary(goal string, actions []*task.Action) string {
	var sb strings.Builder
	sb.WriteString("Goal: " + goal)
	for _, a := range actions {
		fmt.Fprintf(&sb, "\n%d. %s (%s)", a.StepIndex+1, a.Tool, a.Status)
		if text := actionText(a); text != "" {
			sb.WriteString(": " + truncate(text, 500))
		}
	}
	return sb.String()
}

func actionText(a *task.Action) string {
	switch {
	case a.Error != "":
		return a.Error
	case len(a.Output) > 0:
		return outputText(a.Output)
	case a.DecisionReason != "":
		return a.DecisionReason
	}
	return ""
}
