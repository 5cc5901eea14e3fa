package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entrhq/potter/pkg/dispatch"
	"github.com/entrhq/potter/pkg/loop"
	"github.com/entrhq/potter/pkg/report"
)

type runOptions struct {
	yolo          bool
	maxIterations int
	maxRetries    int
	promptFile    string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Start tasks and drive them to completion",
		Long: `Start one task per prompt and run them concurrently until each reaches a
terminal status. The exit code is 0 when every task converged, 130 when
any was cancelled and 1 otherwise.`,
		Example: `  potter run "Add a LICENSE file"
  potter run --yolo --max-iterations 5 "Make the tests pass"
  potter run --prompt-file goal.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, g, opts, args)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.yolo, "yolo", false, "run the agent without approvals or sandbox")
	f.IntVar(&opts.maxIterations, "max-iterations", 0, "override loop.max_iterations")
	f.IntVar(&opts.maxRetries, "max-retries", 0, "override loop.max_retries")
	f.StringVarP(&opts.promptFile, "prompt-file", "f", "", "read a prompt from a file (- for stdin)")
	return cmd
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>...",
		Short: "Continue tasks left pending or running by an earlier process",
		Args:  withArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.drive(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), func(d *dispatch.Dispatcher) ([]string, error) {
				ids := make([]string, 0, len(args))
				for _, id := range args {
					if err := d.Resume(id); err != nil {
						return ids, err
					}
					ids = append(ids, id)
				}
				return ids, nil
			})
		},
	}
}

func runTasks(cmd *cobra.Command, g *globalFlags, opts *runOptions, args []string) error {
	prompts, err := collectPrompts(args, opts.promptFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	if cmd.Flags().Changed("max-iterations") {
		a.cfg.Loop.MaxIterations = opts.maxIterations
	}
	if cmd.Flags().Changed("max-retries") {
		a.cfg.Loop.MaxRetries = opts.maxRetries
	}
	if err := a.cfg.Validate(); err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	return a.drive(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), func(d *dispatch.Dispatcher) ([]string, error) {
		ids := make([]string, 0, len(prompts))
		for _, p := range prompts {
			id, err := d.SubmitIn(p, a.workDir, opts.yolo)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	})
}

// collectPrompts gathers prompts from the arguments and the prompt file.
func collectPrompts(args []string, promptFile string, stdin io.Reader) ([]string, error) {
	var prompts []string
	for _, arg := range args {
		if p := strings.TrimSpace(arg); p != "" {
			prompts = append(prompts, p)
		}
	}
	if promptFile != "" {
		var data []byte
		var err error
		if promptFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(promptFile)
		}
		if err != nil {
			return nil, usageError("reading prompt file: %v", err)
		}
		if p := strings.TrimSpace(string(data)); p != "" {
			prompts = append(prompts, p)
		}
	}
	if len(prompts) == 0 {
		return nil, usageError("a prompt is required")
	}
	return prompts, nil
}

// drive starts tasks with start, waits for all of them and prints a
// session summary per task. It returns an exitError reflecting the worst
// terminal status.
func (a *app) drive(ctx context.Context, out, errOut io.Writer, start func(*dispatch.Dispatcher) ([]string, error)) error {
	printer := report.NewPrinter(out)
	printer.Verbose = a.verbose
	var agentOut io.Writer
	if a.verbose {
		agentOut = errOut
	}
	ctrl, err := a.controller(printer, agentOut)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	d := dispatch.New(ctx, a.tasks, ctrl, dispatch.WithLogger(a.log.With("component", "dispatch")))
	ids, startErr := start(d)
	printer.TaskPrefix = len(ids) > 1

	settled := make(chan struct{})
	defer close(settled)
	go func() {
		select {
		case <-ctx.Done():
			if active := d.Active(); len(active) > 0 {
				fmt.Fprintf(errOut, "interrupted, waiting for %d task(s) to record their state: %s\n",
					len(active), strings.Join(active, ", "))
			}
		case <-settled:
		}
	}()

	// Results are collected without ctx: a signal cancels the tasks, and
	// each still reports its recorded terminal state.
	results := make(map[string]*loop.Result, len(ids))
	var runErr error
	for _, id := range ids {
		res, err := d.Wait(context.Background(), id)
		if err != nil {
			a.log.Errorf("task %s: %v", id, err)
			if runErr == nil {
				runErr = fmt.Errorf("task %s: %w", id, err)
			}
			continue
		}
		results[id] = res
	}
	if err := d.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	if startErr != nil {
		return startErr
	}
	if runErr != nil {
		return runErr
	}

	code := exitOK
	for _, id := range ids {
		res := results[id]
		a.printSession(printer, id, res)
		if c := statusCode(res.Status); c == exitCancelled || (c == exitFailed && code == exitOK) {
			code = c
		}
	}
	if code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

func (a *app) printSession(p *report.Printer, id string, res *loop.Result) {
	t, err := a.tasks.Get(id)
	if err != nil {
		p.PrintSession(report.Session{
			TaskID:   id,
			Status:   string(res.Status),
			Reason:   res.Reason.String(),
			Rounds:   res.Iterations,
			Duration: res.Duration,
			GitStart: res.GitStart,
			GitEnd:   res.GitEnd,
		})
		return
	}
	dir, _ := a.tasks.Dir(id)
	p.PrintSession(report.SessionFor(t, dir, res.Duration))
}

