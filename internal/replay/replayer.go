package replay

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/budget"
)

// DefaultWidth is the wrap width for content blocks.
const DefaultWidth = 100

// Replayer reads and formats audit events.
type Replayer struct {
	output    io.Writer
	verbosity int // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	width     int
	pricing   budget.Pricing
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithWidth sets the wrap width for content.
func WithWidth(width int) ReplayerOption {
	return func(r *Replayer) {
		if width > 0 {
			r.width = width
		}
	}
}

// WithPricing prices token usage for events that carry no cost.
func WithPricing(p budget.Pricing) ReplayerOption {
	return func(r *Replayer) {
		r.pricing = p
	}
}

// New creates a new Replayer.
func New(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:    output,
		verbosity: verbosity,
		width:     DefaultWidth,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayFile loads and replays one audit file.
func (r *Replayer) ReplayFile(path string) error {
	taskID, events, err := audit.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return r.Replay(taskID, events)
}

// ReplayFiles replays every audit file matching pattern, oldest task first.
func (r *Replayer) ReplayFiles(pattern string) error {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no audit files match %s", pattern)
	}

	type loaded struct {
		taskID string
		events []audit.Event
	}
	var all []loaded
	for _, p := range paths {
		taskID, events, err := audit.Load(p)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
		all = append(all, loaded{taskID, events})
	}
	sort.SliceStable(all, func(i, j int) bool {
		return firstTime(all[i].events).Before(firstTime(all[j].events))
	})

	for _, l := range all {
		if err := r.Replay(l.taskID, l.events); err != nil {
			return err
		}
	}
	return nil
}

// Replay outputs a formatted timeline of a task's events.
func (r *Replayer) Replay(taskID string, events []audit.Event) error {
	r.printHeader(taskID, events)
	r.printTimeline(events)
	r.printSummary(events)
	return nil
}

func (r *Replayer) printHeader(taskID string, events []audit.Event) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TASK"), valueStyle.Render(taskID))
	fmt.Fprintln(r.output, divider)
	if len(events) == 0 {
		return
	}
	first := events[0]
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Tenant:    "), valueStyle.Render(first.TenantID))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Actor:     "), valueStyle.Render(first.ActorID))
	if first.Specialist != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Specialist:"), valueStyle.Render(first.Specialist))
	}
	if first.ParentTaskID != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Parent:    "), valueStyle.Render(first.ParentTaskID))
	}
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(events []audit.Event) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(events))))
	fmt.Fprintln(r.output, divider)
	for i := range events {
		r.formatEvent(i+1, &events[i])
	}
}

func (r *Replayer) printSummary(events []audit.Event) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	stats := ComputeStats(events, r.pricing)
	switch stats.Status {
	case "completed":
		fmt.Fprintln(r.output, successStyle.Render("COMPLETED"))
	case "failed", "cancelled":
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render(strings.ToUpper(stats.Status)+":"), valueStyle.Render(stats.Error))
	case "":
		fmt.Fprintln(r.output, warnStyle.Render("IN PROGRESS"))
	default:
		fmt.Fprintln(r.output, statusStyle(stats.Status).Render(strings.ToUpper(stats.Status)))
	}
	PrintStats(r.output, stats)
}
