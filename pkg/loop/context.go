package loop

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/entrhq/potter/pkg/knowledge"
	"github.com/entrhq/potter/pkg/llm/tokenizer"
	"github.com/entrhq/potter/pkg/skills"
	"github.com/entrhq/potter/pkg/task"
)

const (
	// maxContextFiles bounds the changed files listed per past iteration.
	maxContextFiles = 20
	// maxSummaryBytes bounds one past iteration's summary.
	maxSummaryBytes = 2000
)

// ContextBuilder assembles the document an agent receives at the start of
// an iteration. The agent starts fresh every time; this document is its
// only view of earlier work.
type ContextBuilder struct {
	// Tokenizer counts tokens for the budget. Nil uses the byte heuristic.
	Tokenizer *tokenizer.Tokenizer
	// HistoryWindow is how many recent iterations are shown in full.
	HistoryWindow int
	// TokenBudget caps the document. Zero disables the cap.
	TokenBudget int

	// Knowledge is the KB to snapshot. Nil omits the section.
	Knowledge knowledge.Store
	// Include filters KB keys with glob patterns. Empty includes all.
	Include []string
	// StaleAfter marks entries not confirmed for this long.
	StaleAfter time.Duration
	// MaxEntries caps the KB snapshot, keeping the most recently updated.
	MaxEntries int

	// Skills are listed for the agent to consult.
	Skills []skills.Skill
	// Instructions tell the agent how to report. Appended last.
	Instructions string

	Now func() time.Time
}

// ContextInput is the per-iteration input of Build.
type ContextInput struct {
	Task          *task.Task
	Seq           int
	MaxIterations int
	// Feedback is the convergence feedback from the previous pass.
	Feedback string
}

// BuiltContext is an assembled context document.
type BuiltContext struct {
	Text   string
	Tokens int
	// Dropped counts full-history iterations removed to meet the budget.
	Dropped int
	// KnowledgeKeys lists the KB entries included.
	KnowledgeKeys []string
}

// Build assembles the context for one iteration. History is trimmed from
// the oldest iteration first, then the KB snapshot from the least recently
// updated entry, until the document fits the budget. The goal, feedback
// and instructions are never trimmed.
func (b *ContextBuilder) Build(in ContextInput) (*BuiltContext, error) {
	entries, err := b.snapshot()
	if err != nil {
		return nil, err
	}

	prior := priorIterations(in.Task, in.Seq)
	window := b.HistoryWindow
	if window <= 0 {
		window = 5
	}
	full := prior
	collapsed := 0
	if len(full) > window {
		collapsed = len(full) - window
		full = full[collapsed:]
	}

	dropped := 0
	text := b.render(in, prior, collapsed, full, entries)
	tokens := b.count(text)
	for b.TokenBudget > 0 && tokens > b.TokenBudget {
		switch {
		case len(full) > 0:
			full = full[1:]
			collapsed++
			dropped++
		case len(entries) > 0:
			entries = dropOldestEntry(entries)
		default:
			// Nothing left to trim.
			return b.result(text, tokens, dropped, entries), nil
		}
		text = b.render(in, prior, collapsed, full, entries)
		tokens = b.count(text)
	}
	return b.result(text, tokens, dropped, entries), nil
}

func (b *ContextBuilder) result(text string, tokens, dropped int, entries []*knowledge.Entry) *BuiltContext {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return &BuiltContext{Text: text, Tokens: tokens, Dropped: dropped, KnowledgeKeys: keys}
}

func (b *ContextBuilder) count(text string) int {
	if b.Tokenizer == nil {
		return tokenizer.NewApproximate().CountTokens(text)
	}
	return b.Tokenizer.CountTokens(text)
}

func (b *ContextBuilder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// snapshot reads the filtered KB, capped to MaxEntries by recency and
// ordered by key.
func (b *ContextBuilder) snapshot() ([]*knowledge.Entry, error) {
	if b.Knowledge == nil {
		return nil, nil
	}
	var (
		entries []*knowledge.Entry
		err     error
	)
	if len(b.Include) == 0 {
		entries, err = b.Knowledge.List("")
	} else {
		entries, err = b.Knowledge.Filter(b.Include)
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge snapshot: %w", err)
	}
	if b.MaxEntries > 0 && len(entries) > b.MaxEntries {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		})
		entries = entries[:b.MaxEntries]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	}
	return entries, nil
}

func dropOldestEntry(entries []*knowledge.Entry) []*knowledge.Entry {
	oldest := 0
	for i, e := range entries {
		if e.UpdatedAt.Before(entries[oldest].UpdatedAt) {
			oldest = i
		}
	}
	out := make([]*knowledge.Entry, 0, len(entries)-1)
	out = append(out, entries[:oldest]...)
	return append(out, entries[oldest+1:]...)
}

// priorIterations returns the iterations recorded before seq.
func priorIterations(t *task.Task, seq int) []task.Iteration {
	if t == nil {
		return nil
	}
	out := make([]task.Iteration, 0, len(t.Iterations))
	for _, it := range t.Iterations {
		if it.Seq < seq {
			out = append(out, it)
		}
	}
	return out
}

func (b *ContextBuilder) render(in ContextInput, prior []task.Iteration, collapsed int, full []task.Iteration, entries []*knowledge.Entry) string {
	var sb strings.Builder

	sb.WriteString("# Goal\n\n")
	if in.Task != nil {
		sb.WriteString(strings.TrimSpace(in.Task.Prompt))
	}
	sb.WriteString("\n\n")

	sb.WriteString("## Iteration\n\n")
	if in.MaxIterations > 0 {
		fmt.Fprintf(&sb, "This is iteration %d of at most %d.", in.Seq, in.MaxIterations)
	} else {
		fmt.Fprintf(&sb, "This is iteration %d.", in.Seq)
	}
	sb.WriteString(" You have no memory of earlier runs beyond this document and the files on disk.")
	sb.WriteString(" Continue from the current state of the working directory.\n\n")

	if len(prior) > 0 {
		sb.WriteString("## Previous Iterations\n\n")
		if collapsed > 0 {
			fmt.Fprintf(&sb, "%d earlier iteration(s) omitted; %s.\n\n", collapsed, tally(prior[:collapsed]))
		}
		for _, it := range full {
			writeIteration(&sb, it)
		}
	}

	if fb := strings.TrimSpace(in.Feedback); fb != "" {
		sb.WriteString("## Verification Feedback\n\n")
		sb.WriteString(fb)
		sb.WriteString("\n\n")
	}

	if len(entries) > 0 {
		now := b.now()
		sb.WriteString("## Knowledge Base\n\n")
		sb.WriteString("Facts recorded by earlier runs on this codebase. Entries marked stale may be out of date; verify before relying on them.\n\n")
		for _, e := range entries {
			var tags []string
			if e.Confirmations > 0 {
				tags = append(tags, fmt.Sprintf("confirmed %dx", e.Confirmations))
			}
			if e.Stale(now, b.StaleAfter) {
				tags = append(tags, "stale")
			}
			fmt.Fprintf(&sb, "- **%s**", e.Key)
			if len(tags) > 0 {
				fmt.Fprintf(&sb, " (%s)", strings.Join(tags, ", "))
			}
			content := strings.TrimSpace(e.Content)
			if strings.Contains(content, "\n") {
				sb.WriteString(":\n")
				for _, line := range strings.Split(content, "\n") {
					sb.WriteString("  " + line + "\n")
				}
			} else {
				sb.WriteString(": " + content + "\n")
			}
		}
		sb.WriteString("\n")
	}

	if list := skills.Render(b.Skills); list != "" {
		sb.WriteString("## Skills\n\n")
		sb.WriteString("These skills are available. Read a skill's file before using it.\n\n")
		sb.WriteString(list)
		sb.WriteString("\n")
	}

	if instr := strings.TrimSpace(b.Instructions); instr != "" {
		sb.WriteString("## Report\n\n")
		sb.WriteString(instr)
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeIteration(sb *strings.Builder, it task.Iteration) {
	fmt.Fprintf(sb, "### Iteration %d (%s)\n\n", it.Seq, it.Class)
	if s := strings.TrimSpace(it.Summary); s != "" {
		if len(s) > maxSummaryBytes {
			cut := maxSummaryBytes
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			s = s[:cut] + "..."
		}
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	if it.Error != "" {
		fmt.Fprintf(sb, "Error: %s\n", it.Error)
	}
	if len(it.ChangedFiles) > 0 {
		files := it.ChangedFiles
		extra := 0
		if len(files) > maxContextFiles {
			extra = len(files) - maxContextFiles
			files = files[:maxContextFiles]
		}
		fmt.Fprintf(sb, "Changed: %s", strings.Join(files, ", "))
		if extra > 0 {
			fmt.Fprintf(sb, " and %d more", extra)
		}
		sb.WriteString("\n")
	}
	if it.Feedback != "" {
		sb.WriteString("Verification rejected the goal claim of this iteration.\n")
	}
	sb.WriteString("\n")
}

// tally summarizes iteration classes, e.g. "3 progress, 1 no_change".
func tally(its []task.Iteration) string {
	counts := make(map[task.Classification]int)
	var order []task.Classification
	for _, it := range its {
		if counts[it.Class] == 0 {
			order = append(order, it.Class)
		}
		counts[it.Class]++
	}
	parts := make([]string, 0, len(order))
	for _, c := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[c], c))
	}
	return strings.Join(parts, ", ")
}
