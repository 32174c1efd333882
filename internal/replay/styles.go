// Package replay renders audit logs and task records for forensic analysis.
package replay

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Component color scheme - each component has a distinct, consistent color.
var (
	// Structural / metadata
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	// Task lifecycle - white
	flowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	// Tools - Blue
	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	// Observer and recovery advisor - Yellow
	supervisorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11"))

	// Approvals - Cyan
	approvalStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14"))

	// Delegation and sub-tasks - Magenta
	subtaskStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	subtaskDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5"))

	// Outcomes
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	// Timeline
	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// statusStyle picks the style for a task or action status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed", "approved":
		return successStyle
	case "failed", "cancelled", "rejected":
		return errorStyle
	case "awaiting_approval":
		return approvalStyle
	}
	return warnStyle
}
