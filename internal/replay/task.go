package replay

import (
	"fmt"
	"io"
	"time"

	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/taskagent/internal/task"
)

// RenderTask prints a stored task with its actions.
func RenderTask(w io.Writer, t *task.Task, actions []*task.Action, width int) {
	if width <= 0 {
		width = DefaultWidth
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render("TASK"), valueStyle.Render(t.ID), statusStyle(string(t.Status)).Render(string(t.Status)))
	fmt.Fprintln(w, divider)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Goal:      "), valueStyle.Render(t.Goal))
	fmt.Fprintf(w, "%s %s / %s\n", labelStyle.Render("Actor:     "), valueStyle.Render(t.TenantID), valueStyle.Render(t.ActorID))
	if t.Specialist != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Specialist:"), valueStyle.Render(t.Specialist))
	}
	if t.ParentTaskID != "" {
		fmt.Fprintf(w, "%s %s %s\n", labelStyle.Render("Parent:    "), valueStyle.Render(t.ParentTaskID), dimStyle.Render(fmt.Sprintf("(depth %d)", t.Depth)))
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Progress:  "), valueStyle.Render(fmt.Sprintf("%d of %d steps", t.CurrentStep, t.TotalSteps)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Updated:   "), dimStyle.Render(t.UpdatedAt.Format(time.RFC3339)))

	if len(t.Plan) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("PLAN"))
		byStep := make(map[int]*task.Action, len(actions))
		for _, a := range actions {
			byStep[a.StepIndex] = a
		}
		for i, step := range t.Plan {
			status := dimStyle.Render("pending")
			if a, ok := byStep[i]; ok {
				status = statusStyle(string(a.Status)).Render(string(a.Status))
			}
			marker := ""
			if step.RequiresApproval {
				marker = " " + approvalStyle.Render("[approval]")
			}
			fmt.Fprintf(w, "  %2d. %s %s%s\n", i+1, toolStyle.Render(step.Tool), status, marker)
			if a, ok := byStep[i]; ok && a.Error != "" {
				fmt.Fprintf(w, "      %s\n", errorStyle.Render(a.Error))
			}
		}
	}

	if t.Result != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("RESULT"))
		fmt.Fprintln(w, wordwrap.String(t.Result.Summary, width))
		for _, st := range t.Result.SubTasks {
			fmt.Fprintf(w, "  %s %s %s\n", subtaskStyle.Render(st.Specialist), statusStyle(string(st.Status)).Render(string(st.Status)), dimStyle.Render(st.TaskID))
		}
		u := t.Result.Usage
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Usage:"), dimStyle.Render(fmt.Sprintf("%d in / %d out tokens, $%.4f", u.InputTokens, u.OutputTokens, u.Cost)))
	}
	if t.Error != "" {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("ERROR:"), valueStyle.Render(t.Error))
	}
}
