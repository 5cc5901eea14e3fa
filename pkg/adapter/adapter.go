// Package adapter invokes the external coding agent for one iteration and
// classifies what happened. The agent is opaque: it receives a context
// document, works on the working directory, and exits.
package adapter

import (
	"context"
	"time"
)

// Class is the adapter's verdict on one invocation.
type Class string

const (
	Progress         Class = "progress"
	NoChange         Class = "no_change"
	GoalSatisfied    Class = "goal_satisfied"
	ErrorRecoverable Class = "error_recoverable"
	ErrorFatal       Class = "error_fatal"
	// Cancelled means the caller's context ended the invocation. It is not
	// an agent failure.
	Cancelled Class = "cancelled"
)

// Request is the input of one invocation.
type Request struct {
	TaskID     string
	Seq        int
	Context    string
	Yolo       bool
	WorkingDir string
}

// Fact is a knowledge item reported by the agent.
type Fact struct {
	Key     string `yaml:"key"`
	Content string `yaml:"content"`
}

// Outcome is the classified result of one invocation.
type Outcome struct {
	Class        Class
	Summary      string
	Facts        []Fact
	Changed      bool
	ChangedFiles []string
	// Err describes the failure for error and cancelled classes.
	Err      error
	ExitCode int
	Duration time.Duration
}

// Adapter runs the agent once. Invoke blocks until the agent exits or ctx
// is done; cancelling ctx terminates the agent and yields Cancelled.
type Adapter interface {
	Invoke(ctx context.Context, req Request) Outcome
}

// Func adapts a plain function to the Adapter interface.
type Func func(ctx context.Context, req Request) Outcome

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}
