package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/potter/pkg/types"
	"github.com/entrhq/potter/pkg/workspace"
)

// maxListedFiles bounds the changed files echoed per iteration.
const maxListedFiles = 8

// Printer writes one status line per loop event. It is safe for use by
// several controllers at once; with TaskPrefix set each line is tagged
// with a short task ID.
type Printer struct {
	mu         sync.Mutex
	w          io.Writer
	st         styles
	TaskPrefix bool
	Verbose    bool
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, st: newStyles(w)}
}

// Handle renders ev. It satisfies types.EventHandler.
func (p *Printer) Handle(ev *types.LoopEvent) {
	line := p.format(ev)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TaskPrefix && ev.TaskID != "" {
		line = p.st.muted.Render("["+shortID(ev.TaskID)+"]") + " " + line
	}
	fmt.Fprintln(p.w, line)
}

func (p *Printer) format(ev *types.LoopEvent) string {
	st := p.st
	switch ev.Type {
	case types.EventTypeTaskStart:
		return st.muted.Render(fmt.Sprintf("task %s: up to %d iterations", ev.TaskID, ev.MaxIterations))

	case types.EventTypeIterationStart:
		banner := fmt.Sprintf("iteration round %d/%d", ev.Seq, ev.MaxIterations)
		if p.Verbose && ev.Tokens > 0 {
			return st.banner.Render(banner) + st.muted.Render(fmt.Sprintf(" (context %d tokens)", ev.Tokens))
		}
		return st.banner.Render(banner)

	case types.EventTypeIterationEnd:
		var sb strings.Builder
		sb.WriteString(st.statusStyle(ev.Class).Render(ev.Class))
		if ev.Duration > 0 {
			sb.WriteString(st.muted.Render(" in " + formatDuration(ev.Duration)))
		}
		if ev.Content != "" {
			sb.WriteString(": " + st.text.Render(oneLine(ev.Content)))
		}
		if len(ev.ChangedFiles) > 0 {
			sb.WriteString("\n  " + st.muted.Render("changed: "+listFiles(ev.ChangedFiles)))
		}
		return sb.String()

	case types.EventTypeRetry:
		msg := fmt.Sprintf("agent failed (attempt %d), retrying in %s", ev.Attempt, formatDuration(ev.Delay))
		if ev.Error != nil {
			msg += ": " + oneLine(ev.Error.Error())
		}
		return st.warn.Render(msg)

	case types.EventTypeConvergenceFailed:
		return st.warn.Render("goal claimed but verification failed; feeding back into next round") +
			"\n" + indent(st.muted.Render(strings.TrimSpace(ev.Content)), "  ")

	case types.EventTypeKnowledgeRecorded:
		if len(ev.Keys) == 0 {
			return ""
		}
		return st.muted.Render("knowledge: " + strings.Join(ev.Keys, ", "))

	case types.EventTypeContextTruncated:
		if !p.Verbose {
			return ""
		}
		return st.muted.Render(fmt.Sprintf("context trimmed to %d tokens", ev.Tokens))

	case types.EventTypeTaskEnd:
		line := st.statusStyle(ev.Status).Render(ev.Status)
		if ev.Content != "" {
			line += " " + st.text.Render("("+ev.Content+")")
		}
		return line

	case types.EventTypeError:
		if ev.Error == nil {
			return ""
		}
		return st.fail.Render("error: ") + ev.Error.Error()
	}
	return ""
}

// Session describes a finished run for the closing summary.
type Session struct {
	TaskID     string
	Status     string
	Reason     string
	Rounds     int
	Duration   time.Duration
	RecordPath string
	GitStart   string
	GitEnd     string
}

// PrintSession writes the closing session summary.
func (p *Printer) PrintSession(s Session) {
	st := p.st
	rows := [][2]string{
		{"Task", s.TaskID},
		{"Status", st.statusStyle(s.Status).Render(s.Status)},
	}
	if s.Reason != "" {
		rows = append(rows, [2]string{"Reason", s.Reason})
	}
	rows = append(rows,
		[2]string{"Rounds", fmt.Sprintf("%d", s.Rounds)},
		[2]string{"Duration", formatDuration(s.Duration)},
	)
	if s.RecordPath != "" {
		rows = append(rows, [2]string{"Record", s.RecordPath})
	}
	if s.GitStart != "" || s.GitEnd != "" {
		rows = append(rows, [2]string{"Git", gitRange(s.GitStart, s.GitEnd)})
	}

	var sb strings.Builder
	sb.WriteString(st.banner.Render("Session summary"))
	for _, row := range rows {
		sb.WriteString("\n")
		sb.WriteString(st.label.Render(row[0]))
		sb.WriteString(strings.Repeat(" ", 10-len(row[0])))
		sb.WriteString(row[1])
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, st.box.Render(sb.String()))
}

func gitRange(start, end string) string {
	if start == "" {
		start = "(none)"
	} else {
		start = workspace.ShortSHA(start)
	}
	if end == "" {
		end = "(none)"
	} else {
		end = workspace.ShortSHA(end)
	}
	if start == end {
		return start + " (no new commits)"
	}
	return start + " -> " + end
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	return s
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func listFiles(files []string) string {
	if len(files) <= maxListedFiles {
		return strings.Join(files, ", ")
	}
	return strings.Join(files[:maxListedFiles], ", ") + fmt.Sprintf(" and %d more", len(files)-maxListedFiles)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
