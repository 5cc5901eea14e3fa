package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/potter/pkg/report"
	"github.com/entrhq/potter/pkg/task"
)

const maxPromptColumn = 60

func newListCmd(g *globalFlags) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  withArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.tasks.List()
			if err != nil {
				return err
			}
			var shown []*task.Task
			for _, t := range all {
				if status == "" || string(t.Status) == status {
					shown = append(shown, t)
				}
			}
			return writeTaskTable(cmd.OutOrStdout(), shown)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list tasks with this status")
	return cmd
}

func writeTaskTable(w io.Writer, tasks []*task.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "no tasks")
		return err
	}
	r := lipgloss.NewRenderer(w)
	header := r.NewStyle().Bold(true).Padding(0, 1)
	cell := r.NewStyle().Padding(0, 1)

	tbl := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("ID", "STATUS", "ITER", "UPDATED", "PROMPT").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, t := range tasks {
		tbl.Row(
			t.ID,
			string(t.Status),
			fmt.Sprintf("%d", t.IterationCount),
			t.UpdatedAt.Local().Format(time.DateTime),
			clip(firstLine(t.Prompt), maxPromptColumn),
		)
	}
	_, err := fmt.Fprintln(w, tbl.Render())
	return err
}

// showView is the YAML rendering of a task and its iteration log.
type showView struct {
	task.Task  `yaml:",inline"`
	Record     string          `yaml:"record,omitempty"`
	Iterations []iterationView `yaml:"iterations,omitempty"`
}

type iterationView struct {
	Seq          int      `yaml:"seq"`
	Class        string   `yaml:"class"`
	Summary      string   `yaml:"summary,omitempty"`
	Attempts     int      `yaml:"attempts,omitempty"`
	ChangedFiles []string `yaml:"changed_files,omitempty"`
	Error        string   `yaml:"error,omitempty"`
	Feedback     string   `yaml:"feedback,omitempty"`
	Context      string   `yaml:"context,omitempty"`
	Duration     string   `yaml:"duration"`
}

func newShowView(t *task.Task, record string) showView {
	v := showView{Task: *t, Record: record}
	for _, it := range t.Iterations {
		v.Iterations = append(v.Iterations, iterationView{
			Seq:          it.Seq,
			Class:        string(it.Class),
			Summary:      it.Summary,
			Attempts:     it.Attempts,
			ChangedFiles: it.ChangedFiles,
			Error:        it.Error,
			Feedback:     it.Feedback,
			Context:      it.ContextRef,
			Duration:     it.FinishedAt.Sub(it.StartedAt).Round(time.Millisecond).String(),
		})
	}
	return v
}

func newShowCmd(g *globalFlags) *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print a task record and its iterations",
		Args:  withArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tasks.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			color := report.IsTerminal(out)
			if summary {
				doc := report.SummaryMarkdown(t, t.UpdatedAt.Sub(t.CreatedAt))
				return report.WriteMarkdown(out, doc, color)
			}
			record, _ := a.tasks.Dir(t.ID)
			doc, err := yaml.Marshal(newShowView(t, record))
			if err != nil {
				return fmt.Errorf("encode task %s: %w", t.ID, err)
			}
			return report.WriteYAML(out, doc, color)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print the Markdown summary instead of the record")
	return cmd
}

func newCancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>...",
		Short: "Ask the controllers of running tasks to stop",
		Long: `Leave a cancel marker for each task. The controller that owns the task,
in this or another process, stops the in-flight iteration and records the
task as cancelled. A task that is not running is cancelled when it is
next resumed.`,
		Args: withArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				t, err := a.tasks.Get(id)
				if err != nil {
					return err
				}
				if t.Status.IsTerminal() {
					fmt.Fprintf(cmd.OutOrStdout(), "task %s is already %s\n", id, t.Status)
					continue
				}
				if err := a.tasks.RequestCancel(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for task %s\n", id)
			}
			return nil
		},
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
