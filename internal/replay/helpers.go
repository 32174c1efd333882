package replay

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/taskagent/internal/audit"
)

const gutter = "      │          │   "

// line prints one timeline row.
func (r *Replayer) line(seqNum, ts, text string) {
	fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, text)
}

// printContent prints wrapped content with timeline indentation.
func (r *Replayer) printContent(content string) {
	if content == "" {
		return
	}
	for _, line := range r.wrap(content) {
		fmt.Fprintf(r.output, "%s%s\n", gutter, line)
	}
}

// printLimited prints at most a few wrapped lines unless verbose.
func (r *Replayer) printLimited(content string) {
	if content == "" {
		return
	}
	lines := r.wrap(content)
	maxLines := 3
	if r.verbosity >= 1 {
		maxLines = 20
	}
	for i, line := range lines {
		if i >= maxLines {
			fmt.Fprintf(r.output, "%s%s\n", gutter,
				subtaskDimStyle.Render(fmt.Sprintf("... (%d more lines)", len(lines)-maxLines)))
			break
		}
		fmt.Fprintf(r.output, "%s%s\n", gutter, dimStyle.Render(line))
	}
}

// printDim prints a single dim line.
func (r *Replayer) printDim(text string) {
	for _, line := range r.wrap(text) {
		fmt.Fprintf(r.output, "%s%s\n", gutter, dimStyle.Render(line))
	}
}

// printArgs prints tool input sorted by key.
func (r *Replayer) printArgs(args map[string]any) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.output, "%s%s %v\n", gutter, labelStyle.Render(k+":"), args[k])
	}
}

// printError prints an error.
func (r *Replayer) printError(err string) {
	for _, line := range r.wrap(err) {
		fmt.Fprintf(r.output, "%s%s\n", gutter, errorStyle.Render(line))
	}
}

func (r *Replayer) printReason(reason string) {
	if reason == "" {
		return
	}
	r.printDim(reason)
}

// wrap splits content into lines no wider than the content column.
func (r *Replayer) wrap(content string) []string {
	width := r.width - len(gutter)
	if width < 20 {
		width = 20
	}
	return strings.Split(wordwrap.String(strings.TrimRight(content, "\n"), width), "\n")
}

func firstTime(events []audit.Event) time.Time {
	if len(events) == 0 {
		return time.Time{}
	}
	return events[0].Timestamp
}
