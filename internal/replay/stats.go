package replay

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/budget"
)

// Stats holds aggregate statistics for one task's audit log.
type Stats struct {
	Status   string
	Error    string
	Duration time.Duration

	Steps       int
	ToolCalls   int
	ToolFailed  int
	ToolTotalMs int64
	// Per-tool call counts
	Tools map[string]int

	Approvals   int
	Rejections  int
	Recoveries  int
	Replans     int
	Delegations int
	SubTasks    int

	TokensIn  int
	TokensOut int
	Cost      float64
}

// WildcardModel is the pricing key applied to replayed usage.
const WildcardModel = "*"

// ComputeStats calculates aggregate statistics from events. pricing is used
// only when the final event carries tokens but no cost.
// A nil pricing is valid.
func ComputeStats(events []audit.Event, pricing budget.Pricing) *Stats {
	stats := &Stats{Tools: make(map[string]int)}
	pending := 0

	var firstEvent, lastEvent time.Time
	for _, event := range events {
		if firstEvent.IsZero() || event.Timestamp.Before(firstEvent) {
			firstEvent = event.Timestamp
		}
		if lastEvent.IsZero() || event.Timestamp.After(lastEvent) {
			lastEvent = event.Timestamp
		}

		switch event.Type {
		case audit.EventStepStart:
			stats.Steps++
		case audit.EventToolCall:
			stats.ToolCalls++
			stats.Tools[event.Tool]++
		case audit.EventToolResult:
			stats.ToolTotalMs += event.DurationMs
			if event.Success != nil && !*event.Success {
				stats.ToolFailed++
			}
		case audit.EventApprovalRequested:
			pending++
		case audit.EventApprovalDecision:
			pending--
			if event.Decision == "approved" {
				stats.Approvals++
			} else {
				stats.Rejections++
			}
		case audit.EventRecovery:
			stats.Recoveries++
		case audit.EventReplan:
			stats.Replans++
		case audit.EventDelegation:
			stats.Delegations++
		case audit.EventSubTaskStart:
			stats.SubTasks++
		case audit.EventTaskEnd:
			stats.Status = event.Status
			stats.Error = event.Error
			stats.TokensIn = event.TokensIn
			stats.TokensOut = event.TokensOut
			stats.Cost = event.Cost
			pending = 0
		}
	}

	if stats.Status == "" && pending > 0 {
		stats.Status = "awaiting_approval"
	}
	// Audit events carry no model name, so only a "*" price applies.
	if stats.Cost == 0 {
		stats.Cost = pricing.Cost(WildcardModel, stats.TokensIn, stats.TokensOut)
	}
	if !firstEvent.IsZero() {
		stats.Duration = lastEvent.Sub(firstEvent)
	}
	return stats
}

// PrintStats prints the statistics block.
func PrintStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("STATISTICS"))
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Duration:   "), valueStyle.Render(stats.Duration.Round(time.Millisecond).String()))
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Steps:      "), valueStyle.Render(fmt.Sprintf("%d", stats.Steps)))

	calls := fmt.Sprintf("%d", stats.ToolCalls)
	if stats.ToolFailed > 0 {
		calls += " " + errorStyle.Render(fmt.Sprintf("(%d failed)", stats.ToolFailed))
	}
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Tool calls: "), valueStyle.Render(calls))
	if stats.ToolCalls > 0 {
		names := make([]string, 0, len(stats.Tools))
		for name := range stats.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "    %s %d\n", toolStyle.Render(name), stats.Tools[name])
		}
	}

	if stats.Approvals+stats.Rejections > 0 {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Approvals:  "),
			valueStyle.Render(fmt.Sprintf("%d approved, %d rejected", stats.Approvals, stats.Rejections)))
	}
	if stats.Recoveries > 0 || stats.Replans > 0 {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Supervision:"),
			valueStyle.Render(fmt.Sprintf("%d recoveries, %d replans", stats.Recoveries, stats.Replans)))
	}
	if stats.Delegations > 0 {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Delegations:"), valueStyle.Render(fmt.Sprintf("%d", stats.Delegations)))
	}
	if stats.SubTasks > 0 {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Sub-tasks:  "), valueStyle.Render(fmt.Sprintf("%d", stats.SubTasks)))
	}

	if stats.TokensIn+stats.TokensOut > 0 {
		usage := fmt.Sprintf("%d in / %d out", stats.TokensIn, stats.TokensOut)
		if stats.Cost > 0 {
			usage += fmt.Sprintf(" ($%.4f)", stats.Cost)
		}
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Tokens:     "), valueStyle.Render(usage))
	}
}
