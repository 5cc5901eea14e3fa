package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/entrhq/potter/pkg/adapter"
	"github.com/entrhq/potter/pkg/loop"
	"github.com/entrhq/potter/pkg/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T) (*task.FileStore, string) {
	t.Helper()
	work := t.TempDir()
	s, err := task.NewFileStore(filepath.Join(work, ".potter"))
	require.NoError(t, err)
	return s, work
}

func fastLoop() loop.Config {
	cfg := loop.DefaultConfig()
	cfg.Retry.BaseDelay = 0
	return cfg
}

// blockingAgent holds every invocation until release is closed, then
// reports the goal satisfied.
type blockingAgent struct {
	release chan struct{}
	mu      sync.Mutex
	started map[string]chan struct{}
}

func newBlockingAgent() *blockingAgent {
	return &blockingAgent{release: make(chan struct{}), started: make(map[string]chan struct{})}
}

func (a *blockingAgent) startedCh(id string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.started[id]
	if !ok {
		ch = make(chan struct{})
		a.started[id] = ch
	}
	return ch
}

func (a *blockingAgent) Invoke(ctx context.Context, req adapter.Request) adapter.Outcome {
	ch := a.startedCh(req.TaskID)
	select {
	case <-ch:
	default:
		close(ch)
	}
	select {
	case <-ctx.Done():
		return adapter.Outcome{Class: adapter.Cancelled, Err: ctx.Err()}
	case <-a.release:
		return adapter.Outcome{Class: adapter.GoalSatisfied, Summary: "done"}
	}
}

func waitStarted(t *testing.T, a *blockingAgent, id string) {
	t.Helper()
	select {
	case <-a.startedCh(id):
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s never invoked the agent", id)
	}
}

func TestSubmitDoesNotBlock(t *testing.T) {
	store, work := newStore(t)
	agent := newBlockingAgent()
	d := New(context.Background(), store, loop.New(store, nil, agent, fastLoop()), WithWorkingDir(work))

	id, err := d.Submit("Add a LICENSE file")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitStarted(t, agent, id)
	assert.Equal(t, []string{id}, d.Active())

	close(agent.release)
	res, err := d.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusConverged, res.Status)
	assert.Empty(t, d.Active())
	require.NoError(t, d.Shutdown())
}

func TestCancelOneTaskLeavesOthers(t *testing.T) {
	store, work := newStore(t)
	agent := newBlockingAgent()
	d := New(context.Background(), store, loop.New(store, nil, agent, fastLoop()), WithWorkingDir(work))

	a, err := d.Submit("goal a")
	require.NoError(t, err)
	b, err := d.Submit("goal b")
	require.NoError(t, err)
	waitStarted(t, agent, a)
	waitStarted(t, agent, b)

	require.NoError(t, d.Cancel(a))
	resA, err := d.Wait(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, resA.Status)
	assert.Equal(t, []string{b}, d.Active())

	close(agent.release)
	resB, err := d.Wait(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, task.StatusConverged, resB.Status)
	require.NoError(t, d.Shutdown())
}

func TestShutdownCancelsAll(t *testing.T) {
	store, work := newStore(t)
	agent := newBlockingAgent()
	d := New(context.Background(), store, loop.New(store, nil, agent, fastLoop()), WithWorkingDir(work))

	var ids []string
	for _, p := range []string{"one", "two", "three"} {
		id, err := d.Submit(p)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitStarted(t, agent, id)
	}

	require.NoError(t, d.Shutdown())
	for _, id := range ids {
		got, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, got.Status, "terminal state is durable before shutdown returns")
	}

	_, err := d.Submit("late")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestResumeRunsLeftoverTask(t *testing.T) {
	store, work := newStore(t)
	tk, err := store.Create("left over", work, false)
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(tk.ID, task.StatusRunning, nil))

	agent := newBlockingAgent()
	close(agent.release)
	d := New(context.Background(), store, loop.New(store, nil, agent, fastLoop()))

	require.NoError(t, d.Resume(tk.ID))
	res, err := d.Wait(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusConverged, res.Status)

	err = d.Resume(tk.ID)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
	require.NoError(t, d.Shutdown())
}

func TestCancelUnknownTaskLeavesMarker(t *testing.T) {
	store, work := newStore(t)
	tk, err := store.Create("owned elsewhere", work, false)
	require.NoError(t, err)

	d := New(context.Background(), store, loop.New(store, nil, newBlockingAgent(), fastLoop()))
	require.NoError(t, d.Cancel(tk.ID))
	assert.True(t, store.CancelRequested(tk.ID))

	_, err = d.Wait(context.Background(), tk.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
	require.NoError(t, d.Shutdown())
}

func TestWaitHonorsContext(t *testing.T) {
	store, work := newStore(t)
	agent := newBlockingAgent()
	d := New(context.Background(), store, loop.New(store, nil, agent, fastLoop()), WithWorkingDir(work))

	id, err := d.Submit("slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, d.Shutdown())
}

func TestDrainWaitsForCompletion(t *testing.T) {
	store, work := newStore(t)
	agent := newBlockingAgent()
	d := New(context.Background(), store, loop.New(store, nil, agent, fastLoop()), WithWorkingDir(work))

	id, err := d.Submit("finish me")
	require.NoError(t, err)
	waitStarted(t, agent, id)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(agent.release)
	}()
	require.NoError(t, d.Drain())

	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusConverged, got.Status)
}
