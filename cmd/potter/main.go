// Package main provides the potter command. Potter hands a goal to an
// external coding agent and keeps invoking it, with a fresh context each
// round, until the goal converges, stalls or runs out of iterations.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/entrhq/potter/pkg/task"
)

const version = "0.1.0"

// Process exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

// exitError carries a process exit code. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func usageError(format string, args ...interface{}) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailed
}

// statusCode maps the terminal status of a task to an exit code.
func statusCode(s task.Status) int {
	switch s {
	case task.StatusConverged:
		return exitOK
	case task.StatusCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	// The first signal cancels running tasks so they record their terminal
	// state; a second one exits immediately.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
		<-sigChan
		os.Exit(exitCancelled)
	}()

	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.err != nil {
			fmt.Fprintf(os.Stderr, "potter: %v\n", err)
		}
	}
	os.Exit(exitCode(err))
}
