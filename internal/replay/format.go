package replay

import (
	"fmt"

	"github.com/vinayprograms/taskagent/internal/audit"
)

// formatEvent formats a single event for display.
func (r *Replayer) formatEvent(seq int, event *audit.Event) {
	ts := timeStyle.Render(event.Timestamp.Format("15:04:05"))
	seqNum := seqStyle.Render(fmt.Sprintf("%d", seq))

	switch event.Type {
	case audit.EventTaskStart:
		r.line(seqNum, ts, flowStyle.Render("TASK START"))
		r.printContent(event.Content)
	case audit.EventPlan:
		r.fmtPlan(seqNum, ts, "PLAN", event)
	case audit.EventStepStart:
		r.line(seqNum, ts, fmt.Sprintf("%s %s", flowStyle.Render(stepLabel(event)), toolStyle.Render(event.Tool)))
		if r.verbosity >= 1 && event.Content != "" {
			r.printDim(event.Content)
		}
	case audit.EventToolCall:
		r.fmtToolCall(seqNum, ts, event)
	case audit.EventToolResult:
		r.fmtToolResult(seqNum, ts, event)
	case audit.EventApprovalRequested:
		r.line(seqNum, ts, fmt.Sprintf("%s %s", approvalStyle.Render("APPROVAL REQUESTED"), toolStyle.Render(event.Tool)))
		if r.verbosity >= 1 {
			r.printArgs(event.Input)
		}
	case audit.EventApprovalDecision:
		r.fmtDecision(seqNum, ts, event)
	case audit.EventRecovery:
		r.line(seqNum, ts, fmt.Sprintf("%s %s %s", supervisorStyle.Render("RECOVERY"),
			valueStyle.Render(event.Decision), dimStyle.Render(fmt.Sprintf("(attempt %d)", event.Attempt))))
		r.printReason(event.Reason)
	case audit.EventObservation:
		r.line(seqNum, ts, fmt.Sprintf("%s %s", supervisorStyle.Render("OBSERVER"), valueStyle.Render(event.Decision)))
		r.printReason(event.Reason)
	case audit.EventReplan:
		r.fmtPlan(seqNum, ts, "REPLAN", event)
		r.printReason(event.Reason)
	case audit.EventBudgetExceeded:
		r.line(seqNum, ts, errorStyle.Render("BUDGET EXCEEDED"))
		r.printReason(event.Reason)
	case audit.EventDelegation:
		r.fmtDelegation(seqNum, ts, event)
	case audit.EventDecompose:
		r.fmtPlan(seqNum, ts, "DECOMPOSE", event)
	case audit.EventSubTaskStart:
		r.line(seqNum, ts, fmt.Sprintf("%s %s", subtaskStyle.Render(fmt.Sprintf("SUB-TASK %d →", index(event))), valueStyle.Render(event.Specialist)))
		if r.verbosity >= 1 {
			r.printContent(event.Content)
		}
	case audit.EventSubTaskEnd:
		r.line(seqNum, ts, fmt.Sprintf("%s %s %s", subtaskStyle.Render(fmt.Sprintf("SUB-TASK %d ←", index(event))),
			valueStyle.Render(event.Specialist), statusStyle(event.Status).Render(event.Status)))
		r.printLimited(event.Content)
	case audit.EventSynthesis:
		label := successStyle.Render("SYNTHESIS")
		if event.Success != nil && !*event.Success {
			label = warnStyle.Render("SYNTHESIS (fallback)")
		}
		r.line(seqNum, ts, label)
		if r.verbosity >= 1 {
			r.printContent(event.Content)
		}
	case audit.EventTaskEnd:
		r.fmtTaskEnd(seqNum, ts, event)
	default:
		r.line(seqNum, ts, dimStyle.Render(event.Type))
	}
}

func (r *Replayer) fmtPlan(seqNum, ts, label string, event *audit.Event) {
	r.line(seqNum, ts, flowStyle.Render(label))
	r.printContent(event.Content)
}

func (r *Replayer) fmtToolCall(seqNum, ts string, event *audit.Event) {
	text := fmt.Sprintf("%s %s", toolStyle.Render("→"), toolStyle.Render(event.Tool))
	if event.Attempt > 1 {
		text += " " + dimStyle.Render(fmt.Sprintf("(attempt %d)", event.Attempt))
	}
	r.line(seqNum, ts, text)
	if r.verbosity >= 1 {
		r.printArgs(event.Input)
	}
}

func (r *Replayer) fmtToolResult(seqNum, ts string, event *audit.Event) {
	duration := dimStyle.Render(fmt.Sprintf("(%dms)", event.DurationMs))
	if event.Success != nil && !*event.Success {
		r.line(seqNum, ts, fmt.Sprintf("%s %s %s", errorStyle.Render("✗"), toolStyle.Render(event.Tool), duration))
		r.printError(event.Error)
		return
	}
	r.line(seqNum, ts, fmt.Sprintf("%s %s %s", successStyle.Render("✓"), toolStyle.Render(event.Tool), duration))
	if r.verbosity >= 2 {
		r.printContent(event.Content)
	} else if r.verbosity == 1 {
		r.printLimited(event.Content)
	}
}

func (r *Replayer) fmtDecision(seqNum, ts string, event *audit.Event) {
	decision := statusStyle(event.Decision).Render(event.Decision)
	text := fmt.Sprintf("%s %s %s", approvalStyle.Render("DECISION"), toolStyle.Render(event.Tool), decision)
	if event.Approver != "" {
		text += " " + dimStyle.Render("by "+event.Approver)
	}
	r.line(seqNum, ts, text)
	r.printReason(event.Reason)
}

func (r *Replayer) fmtDelegation(seqNum, ts string, event *audit.Event) {
	specialist, _ := event.Input["specialist"].(string)
	text := fmt.Sprintf("%s %s", subtaskStyle.Render("DELEGATE →"), valueStyle.Render(specialist))
	r.line(seqNum, ts, text)
	if event.Error != "" {
		r.printError(event.Error)
		return
	}
	r.printLimited(event.Content)
}

func (r *Replayer) fmtTaskEnd(seqNum, ts string, event *audit.Event) {
	text := fmt.Sprintf("%s %s", flowStyle.Render("TASK END"), statusStyle(event.Status).Render(event.Status))
	if event.TokensIn+event.TokensOut > 0 {
		text += " " + dimStyle.Render(fmt.Sprintf("(%d in / %d out tokens)", event.TokensIn, event.TokensOut))
	}
	r.line(seqNum, ts, text)
	if event.Error != "" {
		r.printError(event.Error)
	}
	if event.Reason != "" {
		r.printReason(event.Reason)
	}
	if r.verbosity >= 1 {
		r.printContent(event.Content)
	}
}

func stepLabel(event *audit.Event) string {
	return fmt.Sprintf("STEP %d", index(event)+1)
}

func index(event *audit.Event) int {
	if event.Step == nil {
		return 0
	}
	return *event.Step
}
