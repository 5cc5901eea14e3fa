// Package dispatch accepts goals and runs each as an independent task with
// its own controller goroutine and cancellation.
//
// The potter CLI uses Submit, Resume, Wait, Active and Shutdown. Drain is
// for programs embedding a Dispatcher that want running tasks to finish on
// their own instead of being cancelled.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/entrhq/potter/pkg/logging"
	"github.com/entrhq/potter/pkg/loop"
	"github.com/entrhq/potter/pkg/task"
)

var (
	// ErrShutdown is returned by Submit and Resume after Shutdown.
	ErrShutdown = errors.New("dispatch: shut down")
	// ErrNotRunning is returned when a task has no controller in this process.
	ErrNotRunning = errors.New("dispatch: task not running in this process")
)

// Runner drives one task to completion. *loop.Controller implements it.
type Runner interface {
	Run(ctx context.Context, taskID string) (*loop.Result, error)
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	res    *loop.Result
	err    error
}

// Dispatcher owns the controller goroutines of this process.
type Dispatcher struct {
	tasks      task.Store
	runner     Runner
	workingDir string
	yolo       bool
	log        *logging.Logger

	base     context.Context
	stop     context.CancelFunc
	group    errgroup.Group
	mu       sync.Mutex
	runs     map[string]*handle
	shutdown bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// WithWorkingDir sets the working directory of submitted tasks.
func WithWorkingDir(dir string) Option {
	return func(d *Dispatcher) {
		d.workingDir = dir
	}
}

// WithYolo marks submitted tasks to run the agent without sandbox or
// approval prompts.
func WithYolo(yolo bool) Option {
	return func(d *Dispatcher) {
		d.yolo = yolo
	}
}

// New creates a dispatcher. Controllers run under ctx; cancelling it
// cancels every task.
func New(ctx context.Context, tasks task.Store, runner Runner, opts ...Option) *Dispatcher {
	base, stop := context.WithCancel(ctx)
	d := &Dispatcher{
		tasks:  tasks,
		runner: runner,
		log:    logging.NewNop("dispatch"),
		base:   base,
		stop:   stop,
		runs:   make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit records a new task for prompt and starts its controller. It
// returns as soon as the task is durable.
func (d *Dispatcher) Submit(prompt string) (string, error) {
	return d.SubmitIn(prompt, d.workingDir, d.yolo)
}

// SubmitIn is Submit with an explicit working directory and mode.
func (d *Dispatcher) SubmitIn(prompt, workingDir string, yolo bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return "", ErrShutdown
	}
	t, err := d.tasks.Create(prompt, workingDir, yolo)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	d.start(t.ID)
	d.log.Infof("submitted task %s", t.ID)
	return t.ID, nil
}

// Resume starts a controller for a task left pending or running, for
// example by a crashed process.
func (d *Dispatcher) Resume(id string) error {
	t, err := d.tasks.Get(id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is already %s", task.ErrInvalidTransition, id, t.Status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return ErrShutdown
	}
	if h, ok := d.runs[id]; ok {
		select {
		case <-h.done:
		default:
			return nil
		}
	}
	d.start(id)
	d.log.Infof("resumed task %s", id)
	return nil
}

// start launches the controller goroutine. Callers hold d.mu.
func (d *Dispatcher) start(id string) {
	ctx, cancel := context.WithCancel(d.base)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	d.runs[id] = h

	d.group.Go(func() error {
		defer close(h.done)
		defer cancel()
		h.res, h.err = d.runner.Run(ctx, id)
		if h.err != nil {
			d.log.Errorf("task %s: %v", id, h.err)
			return fmt.Errorf("task %s: %w", id, h.err)
		}
		d.log.Infof("task %s finished: %s", id, h.res.Status)
		return nil
	})
}

// Wait blocks until the task's controller returns or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, id string) (*loop.Result, error) {
	d.mu.Lock()
	h, ok := d.runs[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a task. A task running in this process is cancelled
// directly; otherwise a cancel marker is left for its owner.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	h, ok := d.runs[id]
	d.mu.Unlock()
	if ok {
		select {
		case <-h.done:
		default:
			h.cancel()
			return nil
		}
	}
	return d.tasks.RequestCancel(id)
}

// Active returns the IDs of tasks whose controller is still running.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, h := range d.runs {
		select {
		case <-h.done:
		default:
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops accepting work, cancels every task and waits for the
// controllers to record their terminal state. It returns the first
// controller error, if any.
func (d *Dispatcher) Shutdown() error {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()
	d.stop()
	return d.group.Wait()
}

// Drain stops accepting work and waits for running tasks to finish on
// their own.
func (d *Dispatcher) Drain() error {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()
	err := d.group.Wait()
	d.stop()
	return err
}
