package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/entrhq/potter/pkg/knowledge"
	"github.com/entrhq/potter/pkg/report"
)

func newKBCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Inspect and edit the project knowledge base",
		Long: `The knowledge base holds facts the agent reported about the project,
one Markdown file per key under .potter/knowledge. Entries are shared by
every task and shown to the agent at the start of each iteration.`,
	}
	cmd.AddCommand(newKBListCmd(g), newKBGetCmd(g), newKBSetCmd(g), newKBRmCmd(g))
	return cmd
}

func newKBListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [prefix]",
		Short: "List knowledge entries",
		Args:  withArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			entries, err := a.kb.List(prefix)
			if err != nil {
				return err
			}
			return writeKBTable(cmd.OutOrStdout(), entries, a.cfg.Knowledge.StaleAfter)
		},
	}
}

func writeKBTable(w io.Writer, entries []*knowledge.Entry, staleAfter time.Duration) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "knowledge base is empty")
		return err
	}
	r := lipgloss.NewRenderer(w)
	header := r.NewStyle().Bold(true).Padding(0, 1)
	cell := r.NewStyle().Padding(0, 1)

	now := time.Now()
	tbl := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("KEY", "CONFIRMED", "UPDATED", "SOURCE", "CONTENT").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, e := range entries {
		updated := e.UpdatedAt.Local().Format(time.DateTime)
		if e.Stale(now, staleAfter) {
			updated += " (stale)"
		}
		source := e.Source.TaskID
		if source != "" && e.Source.Iteration > 0 {
			source = fmt.Sprintf("%s#%d", source, e.Source.Iteration)
		}
		tbl.Row(e.Key, fmt.Sprintf("%d", e.Confirmations), updated, source, clip(firstLine(e.Content), maxPromptColumn))
	}
	_, err := fmt.Fprintln(w, tbl.Render())
	return err
}

func newKBGetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a knowledge entry",
		Args:  withArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.kb.Get(args[0])
			if err != nil {
				return err
			}
			doc, err := knowledge.Serialize(e)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return report.WriteMarkdown(out, doc, report.IsTerminal(out))
		},
	}
}

func newKBSetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> [content]",
		Short: "Create or replace a knowledge entry",
		Long:  "Write an entry. Without a content argument the content is read from stdin.",
		Args:  withArgs(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			var content string
			if len(args) == 2 {
				content = args[1]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				content = string(data)
			}
			if strings.TrimSpace(content) == "" {
				return usageError("content for %q is empty", args[0])
			}
			if err := knowledge.ValidateKey(args[0]); err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			e, err := a.kb.Upsert(args[0], content, knowledge.Source{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (confirmed %dx)\n", e.Key, e.Confirmations)
			return nil
		},
	}
}

func newKBRmCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <key>...",
		Aliases: []string{"delete"},
		Short:   "Delete knowledge entries",
		Args:    withArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, key := range args {
				if err := a.kb.Delete(key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
			}
			return nil
		},
	}
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  withArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			doc, err := a.cfg.Marshal()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return report.WriteYAML(out, doc, report.IsTerminal(out))
		},
	})
	return cmd
}
