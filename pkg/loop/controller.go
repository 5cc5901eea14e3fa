// Package loop drives one task to a terminal state. Each pass assembles a
// fresh context from disk, invokes the agent once, classifies the result
// and decides whether to continue. The loop is bounded by an iteration
// budget, a stall threshold and a retry limit.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/potter/pkg/adapter"
	"github.com/entrhq/potter/pkg/convergence"
	"github.com/entrhq/potter/pkg/knowledge"
	"github.com/entrhq/potter/pkg/logging"
	"github.com/entrhq/potter/pkg/report"
	"github.com/entrhq/potter/pkg/task"
	"github.com/entrhq/potter/pkg/types"
	"github.com/entrhq/potter/pkg/workspace"
)

// finalizeTimeout bounds the git and record writes made after the loop
// ends, which run even when the caller's context is cancelled.
const finalizeTimeout = 30 * time.Second

// Config bounds a controller.
type Config struct {
	MaxIterations int
	// StallThreshold is the number of consecutive no-change iterations
	// that fails the task.
	StallThreshold int
	Retry          RetryPolicy
	Git            workspace.GitConfig
}

// DefaultConfig returns ten iterations, a stall threshold of two and the
// default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  10,
		StallThreshold: 2,
		Retry:          DefaultRetryPolicy(),
	}
}

// Result is the terminal state of a run.
type Result struct {
	TaskID     string
	Status     task.Status
	Reason     *task.Reason
	Iterations int
	GitStart   string
	GitEnd     string
	Duration   time.Duration
}

// Controller runs the reconciliation loop for tasks in a store. One
// Controller may run several tasks concurrently; each Run owns its task
// exclusively.
type Controller struct {
	tasks   task.Store
	kb      knowledge.Store
	agent   adapter.Adapter
	builder *ContextBuilder
	checks  *convergence.Runner
	cfg     Config
	log     *logging.Logger
	onEvent types.EventHandler
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// WithContextBuilder sets how iteration contexts are assembled.
func WithContextBuilder(b *ContextBuilder) Option {
	return func(c *Controller) {
		c.builder = b
	}
}

// WithChecks sets the checks that confirm a goal claim.
func WithChecks(checks ...convergence.Check) Option {
	return func(c *Controller) {
		c.checks = convergence.NewRunner(checks...)
	}
}

// WithEventHandler receives progress events.
func WithEventHandler(h types.EventHandler) Option {
	return func(c *Controller) {
		c.onEvent = h
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates a controller. kb may be nil to disable the knowledge base.
func New(tasks task.Store, kb knowledge.Store, agent adapter.Adapter, cfg Config, opts ...Option) *Controller {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = DefaultConfig().StallThreshold
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	c := &Controller{
		tasks:  tasks,
		kb:     kb,
		agent:  agent,
		cfg:    cfg,
		checks: convergence.NewRunner(),
		log:    logging.NewNop("loop"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.builder == nil {
		c.builder = &ContextBuilder{Knowledge: kb, Instructions: adapter.ReportInstructions()}
	}
	if c.builder.Now == nil {
		c.builder.Now = c.now
	}
	return c
}

// Config returns the controller's bounds.
func (c *Controller) Config() Config {
	return c.cfg
}

func (c *Controller) emit(ev *types.LoopEvent) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// run holds the state of one Run call.
type run struct {
	id       string
	t        *task.Task
	dir      string
	git      *workspace.GitManager
	gitStart string
	started  time.Time
	streak   int
	feedback string
	log      *logging.Logger
}

// Run drives the task until it reaches a terminal status and returns it.
// A task that is already terminal is returned as recorded. An error is
// returned only when the task cannot be loaded, claimed or durably
// updated; agent failures are reported through the Result.
func (c *Controller) Run(ctx context.Context, taskID string) (*Result, error) {
	t, err := c.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return resultOf(t, 0), nil
	}

	release, err := c.tasks.Claim(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.watchCancel(runCtx, cancel, taskID)

	r := &run{
		id:      taskID,
		started: c.now(),
		log:     c.log.With("task", taskID),
	}
	// Reload after claiming; another controller may have advanced it.
	if r.t, err = c.tasks.Get(taskID); err != nil {
		return nil, err
	}
	if r.t.Status.IsTerminal() {
		return resultOf(r.t, 0), nil
	}
	c.emit(types.NewTaskStartEvent(taskID, c.cfg.MaxIterations))

	if c.tasks.CancelRequested(taskID) {
		return c.finish(ctx, r, task.StatusCancelled, &task.Reason{Code: task.ReasonCancelledByUser})
	}

	dir, err := workspace.ResolveDir(r.t.WorkingDir)
	if err != nil {
		r.log.Warnf("invalid working directory %q: %v", r.t.WorkingDir, err)
		return c.finish(ctx, r, task.StatusFailed, &task.Reason{Code: task.ReasonInvalidWorkingDir, Message: err.Error()})
	}
	r.dir = dir

	if r.t.Status == task.StatusPending {
		if err := c.tasks.SetStatus(taskID, task.StatusRunning, nil); err != nil {
			return nil, fmt.Errorf("start task %s: %w", taskID, err)
		}
	}
	c.recordGitStart(runCtx, r)
	c.restore(r)

	return c.loop(ctx, runCtx, r)
}

// watchCancel cancels the run when a cancel marker is written for the
// task, possibly by another process.
func (c *Controller) watchCancel(ctx context.Context, cancel context.CancelFunc, id string) {
	fired, err := c.tasks.WatchCancel(ctx, id)
	if err != nil {
		c.log.Warnf("cannot watch cancel marker for task %s: %v", id, err)
		return
	}
	go func() {
		select {
		case <-fired:
			c.log.Infof("cancel requested for task %s", id)
			cancel()
		case <-ctx.Done():
		}
	}()
}

// restore rebuilds loop state from a resumed task's history.
func (c *Controller) restore(r *run) {
	its := r.t.Iterations
	for i := len(its) - 1; i >= 0 && its[i].Class == task.ClassNoChange; i-- {
		r.streak++
	}
	if n := len(its); n > 0 {
		r.feedback = its[n-1].Feedback
		r.log.Infof("resuming after iteration %d (no-change streak %d)", its[n-1].Seq, r.streak)
	}
}

func (c *Controller) recordGitStart(ctx context.Context, r *run) {
	r.git = workspace.NewGitManager(r.dir, c.cfg.Git)
	if !r.git.IsRepo(ctx) {
		r.git = nil
		return
	}
	r.gitStart = r.t.GitStart
	if r.gitStart != "" {
		return
	}
	head, err := r.git.HeadCommit(ctx)
	if err != nil {
		r.log.Warnf("reading HEAD: %v", err)
		return
	}
	r.gitStart = head
	if head != "" {
		if err := c.tasks.SetGit(r.id, head, ""); err != nil {
			r.log.Warnf("recording git start: %v", err)
		}
	}
}

func (c *Controller) loop(ctx, runCtx context.Context, r *run) (*Result, error) {
	seq := r.t.LastSeq()
	for {
		if runCtx.Err() != nil {
			return c.cancelled(ctx, r)
		}
		if seq >= c.cfg.MaxIterations {
			msg := fmt.Sprintf("%d iterations without convergence", seq)
			return c.finish(ctx, r, task.StatusFailed, &task.Reason{Code: task.ReasonIterationBudget, Message: msg})
		}
		seq++

		// The record may have been advanced by our own appends.
		t, err := c.tasks.Get(r.id)
		if err != nil {
			return c.abort(ctx, r, fmt.Errorf("reload task: %w", err))
		}
		r.t = t

		built, err := c.builder.Build(ContextInput{
			Task:          t,
			Seq:           seq,
			MaxIterations: c.cfg.MaxIterations,
			Feedback:      r.feedback,
		})
		if err != nil {
			return c.abort(ctx, r, fmt.Errorf("build context for iteration %d: %w", seq, err))
		}
		if built.Dropped > 0 {
			c.emit(types.NewContextTruncatedEvent(r.id, seq, built.Tokens, built.Dropped))
		}
		ref, err := c.tasks.WriteContext(r.id, seq, built.Text)
		if err != nil {
			return c.abort(ctx, r, fmt.Errorf("write context for iteration %d: %w", seq, err))
		}

		c.emit(types.NewIterationStartEvent(r.id, seq, c.cfg.MaxIterations, built.Tokens))
		r.log.Infof("iteration %d/%d: context %d tokens, %d knowledge entries", seq, c.cfg.MaxIterations, built.Tokens, len(built.KnowledgeKeys))

		it, out, ok := c.invoke(runCtx, r, seq, ref, built.Text)
		if !ok {
			return c.cancelled(ctx, r)
		}

		converged := false
		if out.Class == adapter.GoalSatisfied {
			results := c.checks.RunAll(runCtx, convergence.Input{
				TaskID:       r.id,
				Prompt:       t.Prompt,
				WorkingDir:   r.dir,
				Iteration:    seq,
				Summary:      out.Summary,
				ChangedFiles: out.ChangedFiles,
			})
			if runCtx.Err() != nil {
				return c.cancelled(ctx, r)
			}
			if results.AllPassed {
				converged = true
			} else {
				it.Class = task.ClassProgress
				it.Feedback = results.FormatFeedbackMessage()
				r.log.Infof("iteration %d: %s", seq, results.FormatErrorMessage())
				c.emit(types.NewConvergenceFailedEvent(r.id, seq, it.Feedback))
			}
		}

		if err := c.tasks.AppendIteration(r.id, it); err != nil {
			return c.abort(ctx, r, fmt.Errorf("record iteration %d: %w", seq, err))
		}
		c.emit(types.NewIterationEndEvent(r.id, seq, string(it.Class), it.Summary, it.ChangedFiles, it.FinishedAt.Sub(it.StartedAt)))

		if it.Class == task.ClassProgress || it.Class == task.ClassGoalSatisfied {
			c.recordFacts(r, seq, out.Facts)
		}
		r.feedback = it.Feedback

		switch it.Class {
		case task.ClassGoalSatisfied:
			if converged {
				return c.finish(ctx, r, task.StatusConverged, &task.Reason{Code: task.ReasonGoalSatisfied, Message: out.Summary})
			}
		case task.ClassErrorRecoverable:
			return c.finish(ctx, r, task.StatusFailed, &task.Reason{Code: task.ReasonAgentUnavailable, Message: it.Error})
		case task.ClassErrorFatal:
			return c.finish(ctx, r, task.StatusFailed, &task.Reason{Code: task.ReasonAgentFatal, Message: it.Error})
		case task.ClassNoChange:
			r.streak++
			if r.streak >= c.cfg.StallThreshold {
				msg := fmt.Sprintf("%d consecutive iterations without change", r.streak)
				return c.finish(ctx, r, task.StatusFailed, &task.Reason{Code: task.ReasonStalled, Message: msg})
			}
		case task.ClassProgress:
			r.streak = 0
		}
	}
}

// invoke runs one iteration, retrying recoverable failures. It returns
// false if the run was cancelled, in which case nothing is recorded.
func (c *Controller) invoke(ctx context.Context, r *run, seq int, ref, text string) (task.Iteration, adapter.Outcome, bool) {
	it := task.Iteration{Seq: seq, ContextRef: ref, StartedAt: c.now().UTC()}
	req := adapter.Request{
		TaskID:     r.id,
		Seq:        seq,
		Context:    text,
		Yolo:       r.t.Yolo,
		WorkingDir: r.dir,
	}

	var out adapter.Outcome
	for attempt := 1; ; attempt++ {
		it.Attempts = attempt
		out = c.agent.Invoke(ctx, req)
		if out.Class == adapter.Cancelled || ctx.Err() != nil {
			r.log.Infof("iteration %d cancelled in flight", seq)
			return it, out, false
		}
		if out.Class != adapter.ErrorRecoverable || attempt > c.cfg.Retry.MaxRetries {
			break
		}
		delay := c.cfg.Retry.Delay(attempt - 1)
		r.log.Warnf("iteration %d attempt %d failed, retrying in %s: %v", seq, attempt, delay, out.Err)
		c.emit(types.NewRetryEvent(r.id, seq, attempt, delay, out.Err))
		if err := sleep(ctx, delay); err != nil {
			return it, out, false
		}
	}

	it.FinishedAt = c.now().UTC()
	it.Summary = out.Summary
	it.Changed = out.Changed
	it.ChangedFiles = out.ChangedFiles
	if out.Err != nil {
		it.Error = out.Err.Error()
	}
	switch out.Class {
	case adapter.Progress:
		it.Class = task.ClassProgress
	case adapter.NoChange:
		it.Class = task.ClassNoChange
	case adapter.GoalSatisfied:
		it.Class = task.ClassGoalSatisfied
	case adapter.ErrorRecoverable:
		it.Class = task.ClassErrorRecoverable
	default:
		it.Class = task.ClassErrorFatal
		if it.Error == "" {
			it.Error = fmt.Sprintf("unknown outcome class %q", out.Class)
		}
	}
	r.log.Infof("iteration %d: %s after %d attempt(s), %d file(s) changed", seq, it.Class, it.Attempts, len(it.ChangedFiles))
	return it, out, true
}

// recordFacts upserts reported facts. Invalid or failed facts are logged
// and skipped; they never fail the iteration.
func (c *Controller) recordFacts(r *run, seq int, facts []adapter.Fact) {
	if c.kb == nil || len(facts) == 0 {
		return
	}
	src := knowledge.Source{TaskID: r.id, Iteration: seq}
	var keys []string
	for _, f := range facts {
		if _, err := c.kb.Upsert(f.Key, f.Content, src); err != nil {
			r.log.Warnf("knowledge %q not recorded: %v", f.Key, err)
			c.emit(types.NewErrorEvent(r.id, fmt.Errorf("knowledge %q: %w", f.Key, err)))
			continue
		}
		keys = append(keys, f.Key)
	}
	if len(keys) > 0 {
		c.emit(types.NewKnowledgeRecordedEvent(r.id, seq, keys))
	}
}

// abort fails the task with an internal error and returns err alongside
// whatever terminal state could be recorded.
func (c *Controller) abort(ctx context.Context, r *run, err error) (*Result, error) {
	r.log.Errorf("aborting: %v", err)
	c.emit(types.NewErrorEvent(r.id, err))
	res, ferr := c.finish(ctx, r, task.StatusFailed, &task.Reason{Code: task.ReasonInternalError, Message: err.Error()})
	if ferr != nil {
		return res, errors.Join(err, ferr)
	}
	return res, err
}

func (c *Controller) cancelled(ctx context.Context, r *run) (*Result, error) {
	return c.finish(ctx, r, task.StatusCancelled, &task.Reason{Code: task.ReasonCancelledByUser})
}

// finish records git state and the summary artifact, then moves the task
// to its terminal status. It runs on a context detached from cancellation
// so a cancelled run is still recorded.
func (c *Controller) finish(parent context.Context, r *run, status task.Status, reason *task.Reason) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()

	gitEnd := ""
	if r.git != nil {
		if status == task.StatusConverged && c.cfg.Git.AutoCommit {
			if err := r.git.Commit(ctx, r.git.GenerateCommitMessage(r.t.Prompt)); err != nil {
				r.log.Warnf("auto-commit failed: %v", err)
				c.emit(types.NewErrorEvent(r.id, fmt.Errorf("auto-commit: %w", err)))
			}
		}
		head, err := r.git.HeadCommit(ctx)
		if err != nil {
			r.log.Warnf("reading HEAD: %v", err)
		}
		gitEnd = head
		if gitEnd != "" || r.gitStart != "" {
			if err := c.tasks.SetGit(r.id, r.gitStart, gitEnd); err != nil {
				r.log.Warnf("recording git end: %v", err)
			}
		}
	}

	duration := c.now().Sub(r.started)
	if t, err := c.tasks.Get(r.id); err == nil {
		final := t.Clone()
		final.Status = status
		final.Reason = reason
		if err := c.tasks.WriteArtifact(r.id, report.SummaryArtifact, report.SummaryMarkdown(final, duration)); err != nil {
			r.log.Warnf("writing summary: %v", err)
		}
	}

	if err := c.tasks.SetStatus(r.id, status, reason); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			// Another writer finished the task first; report what is recorded.
			if t, gerr := c.tasks.Get(r.id); gerr == nil && t.Status.IsTerminal() {
				return resultOf(t, duration), nil
			}
		}
		return nil, fmt.Errorf("finish task %s: %w", r.id, err)
	}

	t, err := c.tasks.Get(r.id)
	if err != nil {
		return nil, err
	}
	r.log.Infof("task %s: %s after %d iteration(s)", status, reason.String(), len(t.Iterations))
	c.emit(types.NewTaskEndEvent(r.id, string(status), reason.String(), len(t.Iterations), duration))
	return resultOf(t, duration), nil
}

func resultOf(t *task.Task, d time.Duration) *Result {
	return &Result{
		TaskID:     t.ID,
		Status:     t.Status,
		Reason:     t.Reason,
		Iterations: len(t.Iterations),
		GitStart:   t.GitStart,
		GitEnd:     t.GitEnd,
		Duration:   d,
	}
}
