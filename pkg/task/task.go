// Package task is the durable record of user-submitted goals and their
// iteration logs. Each task lives in its own directory under the project's
// .potter/ tree so the history can be read, audited and edited by hand.
package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no task exists for an ID.
	ErrNotFound = errors.New("task: not found")
	// ErrInvalidTransition is returned when a status change is not an edge
	// of the task state machine.
	ErrInvalidTransition = errors.New("task: invalid status transition")
	// ErrInvalidSequence is returned when an iteration's sequence number is
	// not exactly one past the last recorded iteration.
	ErrInvalidSequence = errors.New("task: invalid iteration sequence")
	// ErrOwned is returned by Claim when another live controller owns the task.
	ErrOwned = errors.New("task: owned by another controller")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusConverged Status = "converged"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConverged, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusConverged, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReasonCode identifies why a task reached a terminal status.
type ReasonCode string

const (
	ReasonGoalSatisfied     ReasonCode = "GoalSatisfied"
	ReasonStalled           ReasonCode = "Stalled"
	ReasonAgentUnavailable  ReasonCode = "AgentUnavailable"
	ReasonAgentFatal        ReasonCode = "AgentFatal"
	ReasonIterationBudget   ReasonCode = "IterationBudgetExhausted"
	ReasonInvalidWorkingDir ReasonCode = "InvalidWorkingDir"
	ReasonCancelledByUser   ReasonCode = "CancelledByUser"
	// ReasonInternalError marks a task the controller could not continue
	// because of its own failure, such as an unreadable record or an
	// invalid knowledge filter.
	ReasonInternalError ReasonCode = "InternalError"
)

// Reason is the terminal reason recorded with a finished task.
type Reason struct {
	Code    ReasonCode `yaml:"code" json:"code"`
	Message string     `yaml:"message,omitempty" json:"message,omitempty"`
}

func (r *Reason) String() string {
	if r == nil {
		return ""
	}
	if r.Message == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Classification is the controller's verdict on one iteration.
type Classification string

const (
	ClassProgress         Classification = "progress"
	ClassNoChange         Classification = "no_change"
	ClassErrorRecoverable Classification = "error_recoverable"
	ClassErrorFatal       Classification = "error_fatal"
	ClassGoalSatisfied    Classification = "goal_satisfied"
)

// Iteration is one recorded agent invocation. It is immutable once appended.
type Iteration struct {
	Seq          int            `json:"seq"`
	ContextRef   string         `json:"context_ref"`
	Summary      string         `json:"summary"`
	Class        Classification `json:"class"`
	Attempts     int            `json:"attempts"`
	Changed      bool           `json:"changed"`
	ChangedFiles []string       `json:"changed_files,omitempty"`
	Error        string         `json:"error,omitempty"`
	Feedback     string         `json:"feedback,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// Task is one user goal and its iteration history.
type Task struct {
	ID             string    `yaml:"id"`
	Prompt         string    `yaml:"prompt"`
	Status         Status    `yaml:"status"`
	WorkingDir     string    `yaml:"working_dir"`
	Yolo           bool      `yaml:"yolo"`
	CreatedAt      time.Time `yaml:"created_at"`
	UpdatedAt      time.Time `yaml:"updated_at"`
	IterationCount int       `yaml:"iteration_count"`
	Reason         *Reason   `yaml:"reason,omitempty"`
	GitStart       string    `yaml:"git_start,omitempty"`
	GitEnd         string    `yaml:"git_end,omitempty"`

	// Archived is true once the record has been moved to the archive tree.
	Archived bool `yaml:"-"`
	// Iterations is loaded from the iteration log, not from task.yaml.
	Iterations []Iteration `yaml:"-"`
}

// LastSeq returns the highest recorded iteration sequence number, 0 if none.
func (t *Task) LastSeq() int {
	if len(t.Iterations) == 0 {
		return 0
	}
	return t.Iterations[len(t.Iterations)-1].Seq
}

// Clone returns a deep copy so callers never share the store's cached view.
func (t *Task) Clone() *Task {
	c := *t
	if t.Reason != nil {
		r := *t.Reason
		c.Reason = &r
	}
	c.Iterations = make([]Iteration, len(t.Iterations))
	for i, it := range t.Iterations {
		if it.ChangedFiles != nil {
			it.ChangedFiles = append([]string(nil), it.ChangedFiles...)
		}
		c.Iterations[i] = it
	}
	return &c
}
