package loop

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/entrhq/potter/pkg/adapter"
	"github.com/entrhq/potter/pkg/convergence"
	"github.com/entrhq/potter/pkg/knowledge"
	"github.com/entrhq/potter/pkg/report"
	"github.com/entrhq/potter/pkg/task"
	"github.com/entrhq/potter/pkg/types"
	"github.com/entrhq/potter/pkg/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	tasks *task.FileStore
	kb    *knowledge.FileStore
	work  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	work := t.TempDir()
	root := filepath.Join(work, workspace.StateDir)
	tasks, err := task.NewFileStore(root)
	require.NoError(t, err)
	kb, err := knowledge.NewFileStore(filepath.Join(root, knowledge.Dir))
	require.NoError(t, err)
	return &harness{tasks: tasks, kb: kb, work: work}
}

// fastConfig never sleeps between retries.
func fastConfig(maxIterations int) Config {
	cfg := DefaultConfig()
	cfg.MaxIterations = maxIterations
	cfg.Retry.BaseDelay = 0
	return cfg
}

func (h *harness) controller(agent adapter.Adapter, cfg Config, opts ...Option) *Controller {
	return New(h.tasks, h.kb, agent, cfg, opts...)
}

func (h *harness) create(t *testing.T, prompt string) *task.Task {
	t.Helper()
	tk, err := h.tasks.Create(prompt, h.work, true)
	require.NoError(t, err)
	return tk
}

// script returns an adapter that replays outcomes in order, repeating the
// last one, and counts invocations.
func script(calls *int32, outcomes ...adapter.Outcome) adapter.Func {
	return func(ctx context.Context, req adapter.Request) adapter.Outcome {
		n := int(atomic.AddInt32(calls, 1))
		if n > len(outcomes) {
			n = len(outcomes)
		}
		return outcomes[n-1]
	}
}

func TestLicenseScenarioConvergesInOneIteration(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Add a LICENSE file with the MIT license")

	var calls int32
	agent := adapter.Func(func(ctx context.Context, req adapter.Request) adapter.Outcome {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, os.WriteFile(filepath.Join(req.WorkingDir, "LICENSE"), []byte("MIT License\n"), 0o644))
		return adapter.Outcome{
			Class:        adapter.GoalSatisfied,
			Summary:      "Added MIT LICENSE",
			Changed:      true,
			ChangedFiles: []string{"LICENSE"},
			Facts:        []adapter.Fact{{Key: "license", Content: "MIT"}},
		}
	})

	res, err := h.controller(agent, fastConfig(10)).Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusConverged, res.Status)
	assert.Equal(t, task.ReasonGoalSatisfied, res.Reason.Code)
	assert.Equal(t, 1, res.Iterations)
	assert.EqualValues(t, 1, calls)

	got, err := h.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)
	require.Len(t, got.Iterations, 1)
	it := got.Iterations[0]
	assert.Equal(t, task.ClassGoalSatisfied, it.Class)
	assert.Equal(t, 1, it.Attempts)
	assert.Equal(t, "context/0001.md", it.ContextRef)

	ctxText, err := h.tasks.ReadContext(tk.ID, it.ContextRef)
	require.NoError(t, err)
	assert.Contains(t, ctxText, "Add a LICENSE file with the MIT license")
	assert.Contains(t, ctxText, adapter.ReportFence)

	dir, err := h.tasks.Dir(tk.ID)
	require.NoError(t, err)
	summary, err := os.ReadFile(filepath.Join(dir, report.SummaryArtifact))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "converged")

	fact, err := h.kb.Get("license")
	require.NoError(t, err)
	assert.Equal(t, "MIT", fact.Content)
	assert.Equal(t, tk.ID, fact.Source.TaskID)
}

func TestNoChangeTwiceStalls(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Refactor nothing")

	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.NoChange, Summary: "nothing to do"})

	res, err := h.controller(agent, fastConfig(10)).Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, task.ReasonStalled, res.Reason.Code)
	assert.Equal(t, 2, res.Iterations)
	assert.EqualValues(t, 2, calls)
}

func TestProgressResetsStallStreak(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Keep going")

	var calls int32
	agent := script(&calls,
		adapter.Outcome{Class: adapter.NoChange},
		adapter.Outcome{Class: adapter.Progress, Changed: true},
		adapter.Outcome{Class: adapter.NoChange},
		adapter.Outcome{Class: adapter.NoChange},
	)

	res, err := h.controller(agent, fastConfig(10)).Run(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ReasonStalled, res.Reason.Code)
	assert.Equal(t, 4, res.Iterations)
}

func TestRecoverableErrorsExhaustRetries(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Add tests")

	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.ErrorRecoverable, Err: errors.New("stream disconnected")})

	var retries []int
	cfg := fastConfig(10)
	cfg.Retry.MaxRetries = 2
	ctrl := h.controller(agent, cfg, WithEventHandler(func(ev *types.LoopEvent) {
		if ev.Type == types.EventTypeRetry {
			retries = append(retries, ev.Attempt)
		}
	}))

	res, err := ctrl.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, task.ReasonAgentUnavailable, res.Reason.Code)
	assert.Contains(t, res.Reason.Message, "stream disconnected")
	assert.EqualValues(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)

	got, err := h.tasks.Get(tk.ID)
	require.NoError(t, err)
	require.Len(t, got.Iterations, 1)
	assert.Equal(t, 3, got.Iterations[0].Attempts)
	assert.Equal(t, task.ClassErrorRecoverable, got.Iterations[0].Class)
}

func TestRecoverableErrorThenSuccess(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Add tests")

	var calls int32
	agent := script(&calls,
		adapter.Outcome{Class: adapter.ErrorRecoverable, Err: errors.New("429 Too Many Requests")},
		adapter.Outcome{Class: adapter.GoalSatisfied, Summary: "done"},
	)

	res, err := h.controller(agent, fastConfig(10)).Run(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusConverged, res.Status)

	got, err := h.tasks.Get(tk.ID)
	require.NoError(t, err)
	require.Len(t, got.Iterations, 1)
	assert.Equal(t, 2, got.Iterations[0].Attempts)
}

func TestFatalErrorFailsImmediately(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Add tests")

	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.ErrorFatal, Err: errors.New("agent binary not found")})

	res, err := h.controller(agent, fastConfig(10)).Run(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ReasonAgentFatal, res.Reason.Code)
	assert.Equal(t, 1, res.Iterations)
	assert.EqualValues(t, 1, calls)
}

func TestInternalErrorRecordsFailure(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Add tests")

	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.Progress, Changed: true})
	builder := &ContextBuilder{Knowledge: h.kb, Include: []string{"["}}

	res, err := h.controller(agent, fastConfig(10), WithContextBuilder(builder)).Run(context.Background(), tk.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build context for iteration 1")
	require.NotNil(t, res)
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, task.ReasonInternalError, res.Reason.Code)
	assert.EqualValues(t, 0, calls)

	got, err := h.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Reason)
	assert.Contains(t, got.Reason.Message, "invalid pattern")
}

func TestInvalidWorkingDirFailsBeforeInvocation(t *testing.T) {
	h := newHarness(t)
	tk, err := h.tasks.Create("Add tests", filepath.Join(h.work, "missing"), false)
	require.NoError(t, err)

	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.Progress})

	res, err := h.controller(agent, fastConfig(10)).Run(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, task.ReasonInvalidWorkingDir, res.Reason.Code)
	assert.Equal(t, 0, res.Iterations)
	assert.EqualValues(t, 0, calls)
}

func TestIterationBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Endless work")

	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.Progress, Changed: true})

	res, err := h.controller(agent, fastConfig(3)).Run(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ReasonIterationBudget, res.Reason.Code)
	assert.Equal(t, 3, res.Iterations)
	assert.EqualValues(t, 3, calls)

	got, err := h.tasks.Get(tk.ID)
	require.NoError(t, err)
	for i, it := range got.Iterations {
		assert.Equal(t, i+1, it.Seq, "sequences are contiguous")
	}
}

func TestCancelBetweenIterations(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Long task")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.Progress, Changed: true})
	ctrl := h.controller(agent, fastConfig(10), WithEventHandler(func(ev *types.LoopEvent) {
		if ev.Type == types.EventTypeIterationEnd && ev.Seq == 2 {
			cancel()
		}
	}))

	res, err := ctrl.Run(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, res.Status)
	assert.Equal(t, task.ReasonCancelledByUser, res.Reason.Code)
	assert.Equal(t, 2, res.Iterations)
	assert.EqualValues(t, 2, calls)

	got, err := h.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Len(t, got.Iterations, 2, "no iteration 3")
}

func TestCancelInFlightIsNotRecorded(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Long task")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	agent := adapter.Func(func(ctx context.Context, req adapter.Request) adapter.Outcome {
		if atomic.AddInt32(&calls, 1) < 3 {
			return adapter.Outcome{Class: adapter.Progress, Changed: true}
		}
		cancel()
		<-ctx.Done()
		return adapter.Outcome{Class: adapter.Cancelled, Err: ctx.Err()}
	})

	res, err := h.controller(agent, fastConfig(10)).Run(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, res.Status)
	assert.Equal(t, 2, res.Iterations)
}

func TestCancelMarkerStopsRun(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Long task")

	started := make(chan struct{})
	var once sync.Once
	agent := adapter.Func(func(ctx context.Context, req adapter.Request) adapter.Outcome {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return adapter.Outcome{Class: adapter.Cancelled, Err: ctx.Err()}
		case <-time.After(10 * time.Second):
			return adapter.Outcome{Class: adapter.Progress}
		}
	})

	done := make(chan *Result, 1)
	go func() {
		res, err := h.controller(agent, fastConfig(10)).Run(context.Background(), tk.ID)
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	require.NoError(t, h.tasks.RequestCancel(tk.ID))

	select {
	case res := <-done:
		assert.Equal(t, task.StatusCancelled, res.Status)
		assert.Equal(t, 0, res.Iterations)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe the cancel marker")
	}
}

type flakyCheck struct {
	failures int32
}

func (f *flakyCheck) Name() string   { return "tests pass" }
func (f *flakyCheck) Required() bool { return true }
func (f *flakyCheck) Evaluate(context.Context, convergence.Input) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("TestLicense failed: missing copyright line")
	}
	return nil
}

func TestGoalClaimRejectedFeedsBack(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Add a LICENSE file")

	var contexts []string
	agent := adapter.Func(func(ctx context.Context, req adapter.Request) adapter.Outcome {
		contexts = append(contexts, req.Context)
		return adapter.Outcome{Class: adapter.GoalSatisfied, Summary: "LICENSE added"}
	})

	check := &flakyCheck{failures: 1}
	res, err := h.controller(agent, fastConfig(10), WithChecks(check)).Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusConverged, res.Status)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, contexts, 2)
	assert.NotContains(t, contexts[0], "missing copyright line")
	assert.Contains(t, contexts[1], "missing copyright line")

	got, err := h.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ClassProgress, got.Iterations[0].Class, "rejected claim is downgraded")
	assert.Contains(t, got.Iterations[0].Feedback, "tests pass")
	assert.Equal(t, task.ClassGoalSatisfied, got.Iterations[1].Class)
}

func TestKnowledgeRoundTripAcrossTasks(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "Find out how to run the tests")
	second := h.create(t, "Fix the failing test")

	learn := adapter.Func(func(ctx context.Context, req adapter.Request) adapter.Outcome {
		return adapter.Outcome{
			Class:   adapter.GoalSatisfied,
			Summary: "tests run with make test",
			Facts:   []adapter.Fact{{Key: "test-command", Content: "make test"}},
		}
	})
	_, err := h.controller(learn, fastConfig(5)).Run(context.Background(), first.ID)
	require.NoError(t, err)

	var seen string
	use := adapter.Func(func(ctx context.Context, req adapter.Request) adapter.Outcome {
		seen = req.Context
		return adapter.Outcome{Class: adapter.GoalSatisfied}
	})
	_, err = h.controller(use, fastConfig(5)).Run(context.Background(), second.ID)
	require.NoError(t, err)

	assert.Contains(t, seen, "**test-command**")
	assert.Contains(t, seen, "make test")
	assert.NotContains(t, seen, "Find out how to run the tests", "other tasks' history is not shared")
}

func TestFactsNotRecordedForNoChange(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Nothing")

	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.NoChange, Facts: []adapter.Fact{{Key: "noise", Content: "x"}}})
	_, err := h.controller(agent, fastConfig(5)).Run(context.Background(), tk.ID)
	require.NoError(t, err)

	_, err = h.kb.Get("noise")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestInvalidFactDoesNotFailIteration(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Learn")

	var calls int32
	agent := script(&calls, adapter.Outcome{
		Class: adapter.GoalSatisfied,
		Facts: []adapter.Fact{{Key: "Bad Key", Content: "x"}, {Key: "good-key", Content: "y"}},
	})
	res, err := h.controller(agent, fastConfig(5)).Run(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusConverged, res.Status)

	e, err := h.kb.Get("good-key")
	require.NoError(t, err)
	assert.Equal(t, "y", e.Content)
}

func TestConcurrentTasksAreIsolated(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "goal alpha")
	b := h.create(t, "goal beta")

	var mu sync.Mutex
	contexts := map[string][]string{}
	agent := adapter.Func(func(ctx context.Context, req adapter.Request) adapter.Outcome {
		mu.Lock()
		contexts[req.TaskID] = append(contexts[req.TaskID], req.Context)
		n := len(contexts[req.TaskID])
		mu.Unlock()
		if n < 3 {
			return adapter.Outcome{Class: adapter.Progress, Summary: "step for " + req.TaskID, Changed: true}
		}
		return adapter.Outcome{Class: adapter.GoalSatisfied}
	})
	ctrl := h.controller(agent, fastConfig(10))

	var wg sync.WaitGroup
	for _, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := ctrl.Run(context.Background(), id)
			assert.NoError(t, err)
			assert.Equal(t, 3, res.Iterations)
		}(id)
	}
	wg.Wait()

	for _, c := range contexts[a.ID] {
		assert.NotContains(t, c, "goal beta")
		assert.NotContains(t, c, "step for "+b.ID)
	}
	for _, c := range contexts[b.ID] {
		assert.NotContains(t, c, "goal alpha")
		assert.NotContains(t, c, "step for "+a.ID)
	}
}

func TestRunOwnedTaskFails(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Owned")

	release, err := h.tasks.Claim(tk.ID)
	require.NoError(t, err)
	defer release()

	var calls int32
	_, err = h.controller(script(&calls, adapter.Outcome{Class: adapter.Progress}), fastConfig(3)).Run(context.Background(), tk.ID)
	assert.ErrorIs(t, err, task.ErrOwned)
	assert.EqualValues(t, 0, calls)
}

func TestRunTerminalTaskReturnsRecord(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Done already")
	require.NoError(t, h.tasks.SetStatus(tk.ID, task.StatusCancelled, nil))

	var calls int32
	res, err := h.controller(script(&calls, adapter.Outcome{Class: adapter.Progress}), fastConfig(3)).Run(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, res.Status)
	assert.EqualValues(t, 0, calls)
}

func TestResumeContinuesSequenceAndStreak(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Resume me")
	require.NoError(t, h.tasks.SetStatus(tk.ID, task.StatusRunning, nil))
	now := time.Now().UTC()
	require.NoError(t, h.tasks.AppendIteration(tk.ID, task.Iteration{
		Seq: 1, ContextRef: "context/0001.md", Class: task.ClassNoChange, Attempts: 1, StartedAt: now, FinishedAt: now,
	}))

	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.NoChange})
	res, err := h.controller(agent, fastConfig(10)).Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonStalled, res.Reason.Code)
	assert.Equal(t, 2, res.Iterations)
	assert.EqualValues(t, 1, calls)
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
		{"config", "commit.gpgsign", "false"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".potter/\n"), 0o644))
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "Initial commit"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
}

func TestAutoCommitRecordsGitRange(t *testing.T) {
	h := newHarness(t)
	initRepo(t, h.work)
	tk := h.create(t, "Add a LICENSE file")

	agent := adapter.Func(func(ctx context.Context, req adapter.Request) adapter.Outcome {
		require.NoError(t, os.WriteFile(filepath.Join(req.WorkingDir, "LICENSE"), []byte("MIT\n"), 0o644))
		return adapter.Outcome{Class: adapter.GoalSatisfied, Changed: true, ChangedFiles: []string{"LICENSE"}}
	})
	cfg := fastConfig(3)
	cfg.Git = workspace.GitConfig{AutoCommit: true, AuthorName: "Potter", AuthorEmail: "potter@example.com"}

	res, err := h.controller(agent, cfg, WithChecks(convergence.CleanTree{})).Run(context.Background(), tk.ID)
	require.NoError(t, err)

	// The clean tree check sees the uncommitted LICENSE, so the first
	// claim is rejected until the budget runs out.
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, task.ReasonIterationBudget, res.Reason.Code)
	assert.NotEmpty(t, res.GitStart)
	assert.Equal(t, res.GitStart, res.GitEnd, "no commit without convergence")

	tk2 := h.create(t, "Add a NOTICE file")
	agent2 := adapter.Func(func(ctx context.Context, req adapter.Request) adapter.Outcome {
		require.NoError(t, os.WriteFile(filepath.Join(req.WorkingDir, "NOTICE"), []byte("notice\n"), 0o644))
		return adapter.Outcome{Class: adapter.GoalSatisfied, Changed: true}
	})
	res2, err := h.controller(agent2, cfg).Run(context.Background(), tk2.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusConverged, res2.Status)
	require.NotEmpty(t, res2.GitEnd)
	assert.NotEqual(t, res2.GitStart, res2.GitEnd, "converged work is committed")

	out, err := exec.Command("git", "-C", h.work, "log", "-1", "--format=%an %s").Output()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "Potter "), string(out))
}

func TestEventsInOrder(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "Add a LICENSE file")

	var events []types.LoopEventType
	var calls int32
	agent := script(&calls, adapter.Outcome{Class: adapter.GoalSatisfied, Facts: []adapter.Fact{{Key: "k", Content: "v"}}})
	_, err := h.controller(agent, fastConfig(3), WithEventHandler(func(ev *types.LoopEvent) {
		events = append(events, ev.Type)
	})).Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, []types.LoopEventType{
		types.EventTypeTaskStart,
		types.EventTypeIterationStart,
		types.EventTypeIterationEnd,
		types.EventTypeKnowledgeRecorded,
		types.EventTypeTaskEnd,
	}, events)
}
