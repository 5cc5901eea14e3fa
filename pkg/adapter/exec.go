package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/entrhq/potter/pkg/logging"
	"github.com/entrhq/potter/pkg/workspace"
)

// DefaultRetryableMarkers are output fragments of transient failures worth
// retrying: dropped streams, network errors, rate limits and overloaded
// upstreams.
var DefaultRetryableMarkers = []string{
	"stream disconnected before completion",
	"error sending request for url",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"status code 429",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"temporarily unavailable",
	"overloaded",
	"timed out",
}

// maxCapture bounds how much agent output is kept in memory per stream.
const maxCapture = 1 << 20

// ExecConfig configures the process-spawning adapter.
type ExecConfig struct {
	Command          []string
	YoloArgs         []string
	SafeArgs         []string
	TrailingArgs     []string
	Env              []string
	Timeout          time.Duration
	GracePeriod      time.Duration
	RetryableMarkers []string
	Ignore           []string
}

// Exec runs the agent as a child process, feeding the context on stdin.
type Exec struct {
	cfg     ExecConfig
	markers []string
	log     *logging.Logger
	output  io.Writer
}

// ExecOption configures an Exec adapter.
type ExecOption func(*Exec)

// WithLogger sets the adapter logger.
func WithLogger(l *logging.Logger) ExecOption {
	return func(e *Exec) {
		e.log = l
	}
}

// WithOutput mirrors the agent's stdout and stderr to w as they arrive.
func WithOutput(w io.Writer) ExecOption {
	return func(e *Exec) {
		e.output = w
	}
}

// NewExec creates an Exec adapter.
func NewExec(cfg ExecConfig, opts ...ExecOption) (*Exec, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("adapter: agent command is required")
	}
	if _, err := workspace.NewIgnoreMatcher(cfg.Ignore); err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}
	e := &Exec{
		cfg: cfg,
		log: logging.NewNop("adapter"),
	}
	for _, m := range append(append([]string{}, DefaultRetryableMarkers...), cfg.RetryableMarkers...) {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			e.markers = append(e.markers, m)
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Argv returns the full command line for a request.
func (e *Exec) Argv(yolo bool) []string {
	argv := append([]string{}, e.cfg.Command...)
	if yolo {
		argv = append(argv, e.cfg.YoloArgs...)
	} else {
		argv = append(argv, e.cfg.SafeArgs...)
	}
	return append(argv, e.cfg.TrailingArgs...)
}

// Invoke runs the agent once.
func (e *Exec) Invoke(ctx context.Context, req Request) Outcome {
	start := time.Now()
	out := e.invoke(ctx, req)
	out.Duration = time.Since(start)
	e.log.Infof("task %s iteration %d: agent finished class=%s exit=%d duration=%s",
		req.TaskID, req.Seq, out.Class, out.ExitCode, out.Duration.Round(time.Millisecond))
	return out
}

func (e *Exec) invoke(ctx context.Context, req Request) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Class: Cancelled, Err: err}
	}

	ignore, _ := workspace.NewIgnoreMatcher(e.cfg.Ignore)
	fp := workspace.NewFingerprinter(req.WorkingDir, ignore)
	before, err := fp.Snapshot(ctx)
	if err != nil {
		e.log.Warnf("workspace snapshot before agent run failed: %v", err)
	}

	runCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	argv := e.Argv(req.Yolo)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(req.Context)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"POTTER_TASK_ID="+req.TaskID,
		fmt.Sprintf("POTTER_ITERATION=%d", req.Seq),
	)
	configureProcess(cmd)
	// Cancellation interrupts the whole process group. Once WaitDelay
	// expires os/exec kills only the leader, so the rest of the group is
	// killed after Wait returns.
	cmd.Cancel = func() error { return interrupt(cmd) }
	cmd.WaitDelay = e.cfg.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Millisecond
	}

	stdout := newTailBuffer(maxCapture)
	stderr := newTailBuffer(maxCapture)
	if e.output != nil {
		cmd.Stdout = io.MultiWriter(stdout, e.output)
		cmd.Stderr = io.MultiWriter(stderr, e.output)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	e.log.Debugf("task %s iteration %d: starting %q in %s", req.TaskID, req.Seq, argv, req.WorkingDir)
	if err := cmd.Start(); err != nil {
		return Outcome{Class: ErrorFatal, ExitCode: -1, Err: fmt.Errorf("start agent %q: %w", argv[0], err)}
	}
	waitErr := cmd.Wait()
	if runCtx.Err() != nil {
		killGroup(cmd)
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return Outcome{Class: Cancelled, ExitCode: exitCode, Err: ctx.Err()}
	}

	if runCtx.Err() != nil {
		return Outcome{Class: ErrorRecoverable, ExitCode: exitCode,
			Err: fmt.Errorf("agent timed out after %s", e.cfg.Timeout)}
	}
	if waitErr != nil && !(errors.Is(waitErr, exec.ErrWaitDelay) && exitCode == 0) {
		return e.classifyFailure(waitErr, exitCode, stdout.String()+"\n"+stderr.String())
	}

	out := Outcome{ExitCode: exitCode}
	after, err := fp.Snapshot(ctx)
	if err != nil {
		e.log.Warnf("workspace snapshot after agent run failed: %v", err)
	} else if before != nil {
		files, err := fp.Changes(ctx, before, after)
		if err != nil {
			e.log.Warnf("workspace change detection failed: %v", err)
		}
		out.ChangedFiles = files
		out.Changed = len(files) > 0
	}

	if report, ok := ParseReport(stdout.String()); ok {
		out.Class, _ = report.Class()
		out.Summary = report.Summary
		out.Facts = report.Knowledge
		// Observed edits outrank a claim that nothing happened.
		if out.Class == NoChange && out.Changed {
			out.Class = Progress
		}
	} else {
		out.Class = NoChange
		if out.Changed {
			out.Class = Progress
		}
		out.Summary = lastLine(stdout.String())
	}
	if out.Summary == "" {
		out.Summary = fmt.Sprintf("%d file(s) changed", len(out.ChangedFiles))
	}
	return out
}

func (e *Exec) classifyFailure(waitErr error, exitCode int, output string) Outcome {
	out := Outcome{ExitCode: exitCode, Summary: lastLine(output)}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if killedBySignal(exitErr) {
			out.Class = ErrorRecoverable
			out.Err = fmt.Errorf("agent killed by signal: %w", waitErr)
			return out
		}
		if marker, ok := e.retryableMarker(output); ok {
			out.Class = ErrorRecoverable
			out.Err = fmt.Errorf("agent exited with code %d (transient: %s)", exitCode, marker)
			return out
		}
		out.Class = ErrorFatal
		out.Err = fmt.Errorf("agent exited with code %d: %s", exitCode, out.Summary)
		return out
	}

	out.Class = ErrorFatal
	out.Err = fmt.Errorf("agent run failed: %w", waitErr)
	return out
}

func (e *Exec) retryableMarker(output string) (string, bool) {
	lower := strings.ToLower(output)
	for _, m := range e.markers {
		if strings.Contains(lower, m) {
			return m, true
		}
	}
	return "", false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || line == "```" {
			continue
		}
		if r := []rune(line); len(r) > 200 {
			line = string(r[:197]) + "..."
		}
		return line
	}
	return ""
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
