package loop

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/potter/pkg/knowledge"
	"github.com/entrhq/potter/pkg/llm/tokenizer"
	"github.com/entrhq/potter/pkg/skills"
	"github.com/entrhq/potter/pkg/task"
)

func taskWithHistory(n int) *task.Task {
	tk := &task.Task{ID: "t1", Prompt: "Make the build green"}
	for i := 1; i <= n; i++ {
		tk.Iterations = append(tk.Iterations, task.Iteration{
			Seq:          i,
			Class:        task.ClassProgress,
			Summary:      fmt.Sprintf("fixed failure number %d", i),
			ChangedFiles: []string{fmt.Sprintf("pkg/file%d.go", i)},
		})
	}
	return tk
}

func TestBuildIncludesGoalAndInstructions(t *testing.T) {
	b := &ContextBuilder{Instructions: "end with a report block"}
	built, err := b.Build(ContextInput{Task: taskWithHistory(0), Seq: 1, MaxIterations: 10})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(built.Text, "# Goal\n\nMake the build green"))
	assert.Contains(t, built.Text, "This is iteration 1 of at most 10.")
	assert.Contains(t, built.Text, "end with a report block")
	assert.NotContains(t, built.Text, "Previous Iterations")
	assert.Greater(t, built.Tokens, 0)
}

func TestBuildCollapsesOldHistory(t *testing.T) {
	b := &ContextBuilder{HistoryWindow: 2}
	tk := taskWithHistory(5)
	tk.Iterations[0].Class = task.ClassNoChange

	built, err := b.Build(ContextInput{Task: tk, Seq: 6})
	require.NoError(t, err)

	assert.Contains(t, built.Text, "3 earlier iteration(s) omitted; 1 no_change, 2 progress.")
	assert.NotContains(t, built.Text, "fixed failure number 3\n")
	assert.Contains(t, built.Text, "### Iteration 4 (progress)")
	assert.Contains(t, built.Text, "fixed failure number 5")
	assert.Contains(t, built.Text, "Changed: pkg/file5.go")
	assert.Zero(t, built.Dropped)
}

func TestBuildOnlyShowsEarlierIterations(t *testing.T) {
	b := &ContextBuilder{}
	built, err := b.Build(ContextInput{Task: taskWithHistory(3), Seq: 2})
	require.NoError(t, err)
	assert.Contains(t, built.Text, "fixed failure number 1")
	assert.NotContains(t, built.Text, "fixed failure number 2")
}

func TestBuildClipsLongSummaryOnRuneBoundary(t *testing.T) {
	tk := taskWithHistory(1)
	tk.Iterations[0].Summary = "a" + strings.Repeat("é", maxSummaryBytes)

	built, err := (&ContextBuilder{}).Build(ContextInput{Task: tk, Seq: 2})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(built.Text))
	assert.Contains(t, built.Text, "é...")
}

func TestBuildTrimsHistoryToBudget(t *testing.T) {
	tok := tokenizer.NewApproximate()
	tk := taskWithHistory(5)
	for i := range tk.Iterations {
		tk.Iterations[i].Summary = strings.Repeat("long summary text ", 40)
	}

	unbounded, err := (&ContextBuilder{Tokenizer: tok, HistoryWindow: 5}).Build(ContextInput{Task: tk, Seq: 6})
	require.NoError(t, err)

	budget := unbounded.Tokens / 2
	b := &ContextBuilder{Tokenizer: tok, HistoryWindow: 5, TokenBudget: budget}
	built, err := b.Build(ContextInput{Task: tk, Seq: 6, Feedback: "gate failed"})
	require.NoError(t, err)

	assert.LessOrEqual(t, built.Tokens, budget)
	assert.Greater(t, built.Dropped, 0)
	assert.Contains(t, built.Text, "Make the build green", "goal is never trimmed")
	assert.Contains(t, built.Text, "gate failed", "feedback is never trimmed")
	assert.Contains(t, built.Text, "### Iteration 5", "newest history survives longest")
}

func TestBuildBudgetTooSmallKeepsEssentials(t *testing.T) {
	b := &ContextBuilder{TokenBudget: 1, Instructions: "report"}
	built, err := b.Build(ContextInput{Task: taskWithHistory(2), Seq: 3})
	require.NoError(t, err)
	assert.Contains(t, built.Text, "Make the build green")
	assert.Contains(t, built.Text, "report")
	assert.Equal(t, 2, built.Dropped)
}

func TestBuildKnowledgeSnapshot(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	kb, err := knowledge.NewFileStore(filepath.Join(t.TempDir(), "knowledge"))
	require.NoError(t, err)
	_, err = kb.UpsertAt("build-command", "make build", knowledge.Source{TaskID: "a"}, base)
	require.NoError(t, err)
	_, err = kb.UpsertAt("test-command", "go test ./...", knowledge.Source{TaskID: "a"}, base.Add(90*24*time.Hour))
	require.NoError(t, err)
	_, err = kb.UpsertAt("style-note", "tabs\nnot spaces", knowledge.Source{TaskID: "b"}, base.Add(90*24*time.Hour))
	require.NoError(t, err)

	b := &ContextBuilder{
		Knowledge:  kb,
		Include:    []string{"*-command"},
		StaleAfter: 30 * 24 * time.Hour,
		Now:        func() time.Time { return base.Add(91 * 24 * time.Hour) },
	}
	built, err := b.Build(ContextInput{Task: taskWithHistory(0), Seq: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"build-command", "test-command"}, built.KnowledgeKeys)
	assert.Contains(t, built.Text, "- **build-command** (stale): make build")
	assert.Contains(t, built.Text, "- **test-command**")
	assert.NotContains(t, built.Text, "test-command** (stale)")
	assert.NotContains(t, built.Text, "style-note")

	b.Include = nil
	b.MaxEntries = 2
	built, err = b.Build(ContextInput{Task: taskWithHistory(0), Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"style-note", "test-command"}, built.KnowledgeKeys, "most recently updated are kept")
	assert.Contains(t, built.Text, "- **style-note**:\n  tabs\n  not spaces\n")
}

func TestBuildListsSkills(t *testing.T) {
	b := &ContextBuilder{Skills: []skills.Skill{{Name: "release", Description: "Cut a release", Path: "/repo/.codex/skills/release/SKILL.md"}}}
	built, err := b.Build(ContextInput{Task: taskWithHistory(0), Seq: 1})
	require.NoError(t, err)
	assert.Contains(t, built.Text, "## Skills")
	assert.Contains(t, built.Text, "/repo/.codex/skills/release/SKILL.md")
}

func TestTally(t *testing.T) {
	its := []task.Iteration{
		{Class: task.ClassProgress}, {Class: task.ClassNoChange}, {Class: task.ClassProgress},
	}
	assert.Equal(t, "2 progress, 1 no_change", tally(its))
}
