// Package report renders loop progress for humans: status lines while a
// task runs, a session summary when it ends, the summary.md artifact kept
// with the task record, and highlighted YAML for `potter show`.
package report

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Color Palette
var (
	salmonPink  = lipgloss.Color("#FFB3BA") // primary accent
	coralPink   = lipgloss.Color("#FFCCCB") // secondary accent
	mintGreen   = lipgloss.Color("#A8E6CF") // success
	amber       = lipgloss.Color("#FFD580") // warnings and retries
	mutedGray   = lipgloss.Color("#6B7280") // secondary text
	brightWhite = lipgloss.Color("#F9FAFB") // primary text
)

// styles are bound to one writer so color is only emitted on terminals.
type styles struct {
	banner  lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	text    lipgloss.Style
	success lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	box     lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		banner: r.NewStyle().
			Foreground(salmonPink).
			Bold(true),
		label: r.NewStyle().
			Foreground(coralPink).
			Bold(true),
		muted: r.NewStyle().
			Foreground(mutedGray),
		text: r.NewStyle().
			Foreground(brightWhite),
		success: r.NewStyle().
			Foreground(mintGreen).
			Bold(true),
		warn: r.NewStyle().
			Foreground(amber),
		fail: r.NewStyle().
			Foreground(salmonPink).
			Bold(true),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(salmonPink).
			Padding(0, 1),
	}
}

// statusStyle picks the style for a task status or iteration class.
func (s styles) statusStyle(status string) lipgloss.Style {
	switch status {
	case "converged", "goal_satisfied", "progress":
		return s.success
	case "no_change", "error_recoverable", "cancelled":
		return s.warn
	case "failed", "error_fatal":
		return s.fail
	}
	return s.text
}
