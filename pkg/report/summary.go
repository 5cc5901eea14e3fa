package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/entrhq/potter/pkg/task"
)

// SummaryArtifact is the file name of the summary kept with a task record.
const SummaryArtifact = "summary.md"

// SummaryMarkdown renders the summary.md artifact for a finished task.
func SummaryMarkdown(t *task.Task, duration time.Duration) []byte {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Task %s\n\n", t.ID)
	sb.WriteString("## Goal\n\n")
	sb.WriteString(strings.TrimSpace(t.Prompt))
	sb.WriteString("\n\n")

	sb.WriteString("## Outcome\n\n")
	fmt.Fprintf(&sb, "- **Status**: %s\n", t.Status)
	if t.Reason != nil {
		fmt.Fprintf(&sb, "- **Reason**: %s\n", t.Reason.String())
	}
	fmt.Fprintf(&sb, "- **Iterations**: %d\n", len(t.Iterations))
	if duration > 0 {
		fmt.Fprintf(&sb, "- **Duration**: %s\n", formatDuration(duration))
	}
	fmt.Fprintf(&sb, "- **Working directory**: `%s`\n", t.WorkingDir)
	if t.Yolo {
		sb.WriteString("- **Mode**: yolo (sandbox and approvals bypassed)\n")
	}
	if t.GitStart != "" || t.GitEnd != "" {
		fmt.Fprintf(&sb, "- **Git**: %s\n", gitRange(t.GitStart, t.GitEnd))
	}
	sb.WriteString("\n")

	if len(t.Iterations) > 0 {
		sb.WriteString("## Iterations\n\n")
		sb.WriteString("| # | Class | Attempts | Files | Summary |\n")
		sb.WriteString("|---|-------|----------|-------|---------|\n")
		for _, it := range t.Iterations {
			fmt.Fprintf(&sb, "| %d | %s | %d | %d | %s |\n",
				it.Seq, it.Class, it.Attempts, len(it.ChangedFiles), tableCell(iterationNote(it)))
		}
		sb.WriteString("\n")
	}

	if files := changedFiles(t.Iterations); len(files) > 0 {
		sb.WriteString("## Files Changed\n\n")
		for _, f := range files {
			fmt.Fprintf(&sb, "- `%s`\n", f)
		}
		sb.WriteString("\n")
	}

	if last := lastFeedback(t.Iterations); last != "" && t.Status != task.StatusConverged {
		sb.WriteString("## Outstanding Feedback\n\n")
		sb.WriteString("```\n")
		sb.WriteString(strings.TrimSpace(last))
		sb.WriteString("\n```\n")
	}

	return []byte(sb.String())
}

func iterationNote(it task.Iteration) string {
	note := strings.TrimSpace(it.Summary)
	if it.Error != "" {
		if note != "" {
			note += "; "
		}
		note += "error: " + it.Error
	}
	return note
}

func tableCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if len(s) > 160 {
		s = s[:157] + "..."
	}
	return s
}

func changedFiles(its []task.Iteration) []string {
	seen := make(map[string]bool)
	var out []string
	for _, it := range its {
		for _, f := range it.ChangedFiles {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

func lastFeedback(its []task.Iteration) string {
	if len(its) == 0 {
		return ""
	}
	return its[len(its)-1].Feedback
}

// SessionFor builds the closing summary for a task record.
func SessionFor(t *task.Task, recordPath string, duration time.Duration) Session {
	s := Session{
		TaskID:     t.ID,
		Status:     string(t.Status),
		Rounds:     len(t.Iterations),
		Duration:   duration,
		RecordPath: recordPath,
		GitStart:   t.GitStart,
		GitEnd:     t.GitEnd,
	}
	if t.Reason != nil {
		s.Reason = t.Reason.String()
	}
	if s.GitStart == "" && s.GitEnd == "" {
		return s
	}
	if s.GitEnd == "" {
		s.GitEnd = s.GitStart
	}
	return s
}
