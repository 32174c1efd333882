package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/task"
)

const synthesisSystemPrompt = `You combine the work of several HR specialist assistants into one answer for the person who asked.

Merge the results into a single coherent reply. Say plainly which parts could not be completed or are waiting for approval.
Use only the results you are given.`

// synthesize merges sub-task results with one model call, falling back to
// plain concatenation.
func (c *Coordinator) synthesize(ctx context.Context, provider llm.Provider, t *task.Task, results []task.SubTaskResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GOAL: %s\n\nSPECIALIST RESULTS:\n", t.Goal)
	for _, r := range results {
		fmt.Fprintf(&sb, "\n[%s] %s (%s)\n%s\n", r.Specialist, r.Goal, statusLabel(r.Status), truncate(r.Result, 3000))
	}

	resp, err := provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err == nil && strings.TrimSpace(resp.Content) != "" {
		summary := strings.TrimSpace(resp.Content)
		c.record(t, audit.Event{Type: audit.EventSynthesis, Content: truncate(summary, 4000), Success: audit.Bool(true)})
		return summary
	}

	ev := audit.Event{Type: audit.EventSynthesis, Success: audit.Bool(false)}
	if err != nil {
		ev.Error = err.Error()
		c.logger.Warn("synthesis failed, concatenating results", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}
	c.record(t, ev)
	return concatenate(results)
}

func concatenate(results []task.SubTaskResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("[%s] (%s) %s", r.Specialist, statusLabel(r.Status), r.Result))
	}
	return strings.Join(parts, "\n\n")
}
