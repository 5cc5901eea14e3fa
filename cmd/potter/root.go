package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/entrhq/potter/pkg/adapter"
	"github.com/entrhq/potter/pkg/config"
	"github.com/entrhq/potter/pkg/convergence"
	"github.com/entrhq/potter/pkg/knowledge"
	"github.com/entrhq/potter/pkg/llm/tokenizer"
	"github.com/entrhq/potter/pkg/logging"
	"github.com/entrhq/potter/pkg/loop"
	"github.com/entrhq/potter/pkg/report"
	"github.com/entrhq/potter/pkg/skills"
	"github.com/entrhq/potter/pkg/task"
	"github.com/entrhq/potter/pkg/workspace"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	dir        string
	configFile string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "potter",
		Short: "Drive a coding agent until a goal converges",
		Long: `Potter runs an external coding agent in a reconciliation loop. Each
iteration starts the agent fresh with the goal, a digest of earlier
iterations and the project knowledge base, and stops when the goal is
confirmed satisfied, progress stalls or the iteration budget runs out.

Task records live under <dir>/.potter/tasks and survive restarts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: exitUsage, err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&g.dir, "dir", "C", ".", "project working directory")
	pf.StringVar(&g.configFile, "config", "", "configuration file (replaces <dir>/.potter/config.yaml)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "show agent output and context sizes")

	root.AddCommand(
		newRunCmd(g),
		newResumeCmd(g),
		newListCmd(g),
		newShowCmd(g),
		newCancelCmd(g),
		newKBCmd(g),
		newConfigCmd(g),
	)
	return root
}

// withArgs wraps a positional argument validator so violations exit with
// the usage code.
func withArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		return nil
	}
}

// app is the wiring shared by the subcommands of one invocation.
type app struct {
	workDir string
	cfg     *config.Config
	log     *logging.Logger
	tasks   *task.FileStore
	kb      *knowledge.FileStore
	verbose bool
}

func openApp(g *globalFlags) (*app, error) {
	workDir, err := filepath.Abs(g.dir)
	if err != nil {
		return nil, usageError("invalid directory %q: %v", g.dir, err)
	}
	cfg, err := config.Load(workDir, g.configFile)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	return newApp(workDir, cfg, g.verbose)
}

func newApp(workDir string, cfg *config.Config, verbose bool) (*app, error) {
	if cfg.Logging.Dir != "" {
		logging.SetLogDirectory(cfg.Logging.Dir)
	}
	if lvl, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
		logging.SetLevel(lvl)
	}
	// NewLogger falls back to stderr when the log file cannot be opened.
	log, _ := logging.NewLogger("potter")

	root := filepath.Join(workDir, workspace.StateDir)
	tasks, err := task.NewFileStore(root, task.WithLogger(log.With("store", "tasks")))
	if err != nil {
		return nil, err
	}
	kb, err := knowledge.NewFileStore(filepath.Join(root, knowledge.Dir), knowledge.WithLogger(log.With("store", "knowledge")))
	if err != nil {
		return nil, err
	}
	return &app{workDir: workDir, cfg: cfg, log: log, tasks: tasks, kb: kb, verbose: verbose}, nil
}

func (a *app) Close() {
	_ = a.log.Close()
}

// controller assembles a loop controller from the configuration. Loop
// events go to printer; agent output is streamed to agentOut when set.
func (a *app) controller(printer *report.Printer, agentOut io.Writer) (*loop.Controller, error) {
	cfg := a.cfg

	ignore, err := workspace.NewIgnoreMatcher(cfg.Workspace.Ignore)
	if err != nil {
		return nil, fmt.Errorf("workspace.ignore: %w", err)
	}
	checks, err := convergence.FromConfig(cfg.Convergence, ignore)
	if err != nil {
		return nil, fmt.Errorf("convergence: %w", err)
	}

	execOpts := []adapter.ExecOption{adapter.WithLogger(a.log.With("component", "adapter"))}
	if agentOut != nil {
		execOpts = append(execOpts, adapter.WithOutput(agentOut))
	}
	agent, err := adapter.NewExec(adapter.ExecConfig{
		Command:          cfg.Agent.Command,
		YoloArgs:         cfg.Agent.YoloArgs,
		SafeArgs:         cfg.Agent.SafeArgs,
		TrailingArgs:     cfg.Agent.TrailingArgs,
		Env:              cfg.Agent.Env,
		Timeout:          cfg.Agent.Timeout,
		GracePeriod:      cfg.Agent.GracePeriod,
		RetryableMarkers: cfg.Agent.RetryableMarkers,
		Ignore:           cfg.Workspace.Ignore,
	}, execOpts...)
	if err != nil {
		return nil, err
	}

	var found []skills.Skill
	if cfg.Skills.Enabled {
		found = skills.Discover(skills.Options{
			WorkDir:   a.workDir,
			CodexHome: cfg.Skills.CodexHome,
			Logger:    a.log.With("component", "skills"),
		})
		a.log.Infof("discovered %d skills", len(found))
	}

	tok := tokenizer.NewOrApproximate(cfg.Loop.Encoding)
	if !tok.Exact() && cfg.Loop.Encoding != tokenizer.Approximate {
		a.log.Warnf("tokenizer %q unavailable, using byte estimate", cfg.Loop.Encoding)
	}
	builder := &loop.ContextBuilder{
		Tokenizer:     tok,
		HistoryWindow: cfg.Loop.HistoryWindow,
		TokenBudget:   cfg.Loop.ContextTokenBudget,
		Knowledge:     a.kb,
		Include:       cfg.Knowledge.Include,
		StaleAfter:    cfg.Knowledge.StaleAfter,
		MaxEntries:    cfg.Knowledge.MaxEntries,
		Skills:        found,
		Instructions:  adapter.ReportInstructions(),
	}

	lc := loop.Config{
		MaxIterations:  cfg.Loop.MaxIterations,
		StallThreshold: cfg.Loop.StallThreshold,
		Retry: loop.RetryPolicy{
			MaxRetries: cfg.Loop.MaxRetries,
			BaseDelay:  cfg.Loop.BackoffBase,
			MaxDelay:   cfg.Loop.BackoffMax,
			Multiplier: 2,
			Jitter:     true,
		},
		Git: cfg.Git,
	}
	return loop.New(a.tasks, a.kb, agent, lc,
		loop.WithLogger(a.log.With("component", "loop")),
		loop.WithContextBuilder(builder),
		loop.WithChecks(checks...),
		loop.WithEventHandler(printer.Handle),
	), nil
}
