package types

import "time"

// LoopEventType defines the type of event emitted by a loop controller.
type LoopEventType string

const (
	EventTypeTaskStart         LoopEventType = "task_start"         // EventTypeTaskStart indicates a controller took ownership of a task.
	EventTypeIterationStart    LoopEventType = "iteration_start"    // EventTypeIterationStart indicates an agent invocation is about to start.
	EventTypeIterationEnd      LoopEventType = "iteration_end"      // EventTypeIterationEnd indicates an iteration was classified and recorded.
	EventTypeRetry             LoopEventType = "retry"              // EventTypeRetry indicates a recoverable failure will be retried after a delay.
	EventTypeConvergenceFailed LoopEventType = "convergence_failed" // EventTypeConvergenceFailed indicates a goal claim was rejected by a check.
	EventTypeKnowledgeRecorded LoopEventType = "knowledge_recorded" // EventTypeKnowledgeRecorded indicates facts were written to the knowledge base.
	EventTypeContextTruncated  LoopEventType = "context_truncated"  // EventTypeContextTruncated indicates history was dropped to fit the token budget.
	EventTypeTaskEnd           LoopEventType = "task_end"           // EventTypeTaskEnd indicates the task reached a terminal status.
	EventTypeError             LoopEventType = "error"              // EventTypeError indicates a non-fatal error inside the controller.
)

// LoopEvent represents an event emitted by a controller while it drives a
// task.
type LoopEvent struct {
	// Metadata holds optional additional information about the event.
	Metadata map[string]interface{}

	// Error contains error information for error and retry events.
	Error error

	// Type indicates the kind of event.
	Type LoopEventType

	// TaskID identifies the task the event belongs to.
	TaskID string

	// Content holds text such as a summary, feedback or terminal reason.
	Content string

	// Class is the iteration classification for iteration end events.
	Class string

	// Status is the terminal status for task end events.
	Status string

	// Seq is the iteration sequence number.
	Seq int

	// MaxIterations is the iteration budget of the task.
	MaxIterations int

	// Attempt is the invocation attempt within an iteration, starting at 1.
	Attempt int

	// Delay is the backoff before the next attempt (for retry events).
	Delay time.Duration

	// Duration is the wall time of the iteration or task.
	Duration time.Duration

	// ChangedFiles lists files changed by the iteration.
	ChangedFiles []string

	// Keys lists knowledge keys written (for knowledge events).
	Keys []string

	// Tokens is the token count of the assembled context.
	Tokens int
}

// EventHandler receives loop events. Handlers are called synchronously from
// the controller goroutine and must not block.
type EventHandler func(*LoopEvent)

// NewTaskStartEvent creates a new task start event.
func NewTaskStartEvent(taskID string, maxIterations int) *LoopEvent {
	return &LoopEvent{
		Type:          EventTypeTaskStart,
		TaskID:        taskID,
		MaxIterations: maxIterations,
	}
}

// NewIterationStartEvent creates a new iteration start event.
func NewIterationStartEvent(taskID string, seq, maxIterations, tokens int) *LoopEvent {
	return &LoopEvent{
		Type:          EventTypeIterationStart,
		TaskID:        taskID,
		Seq:           seq,
		MaxIterations: maxIterations,
		Tokens:        tokens,
	}
}

// NewIterationEndEvent creates a new iteration end event.
func NewIterationEndEvent(taskID string, seq int, class, summary string, changed []string, duration time.Duration) *LoopEvent {
	return &LoopEvent{
		Type:         EventTypeIterationEnd,
		TaskID:       taskID,
		Seq:          seq,
		Class:        class,
		Content:      summary,
		ChangedFiles: changed,
		Duration:     duration,
	}
}

// NewRetryEvent creates a new retry event.
func NewRetryEvent(taskID string, seq, attempt int, delay time.Duration, err error) *LoopEvent {
	return &LoopEvent{
		Type:    EventTypeRetry,
		TaskID:  taskID,
		Seq:     seq,
		Attempt: attempt,
		Delay:   delay,
		Error:   err,
	}
}

// NewConvergenceFailedEvent creates a new convergence failed event.
func NewConvergenceFailedEvent(taskID string, seq int, feedback string) *LoopEvent {
	return &LoopEvent{
		Type:    EventTypeConvergenceFailed,
		TaskID:  taskID,
		Seq:     seq,
		Content: feedback,
	}
}

// NewKnowledgeRecordedEvent creates a new knowledge recorded event.
func NewKnowledgeRecordedEvent(taskID string, seq int, keys []string) *LoopEvent {
	return &LoopEvent{
		Type:   EventTypeKnowledgeRecorded,
		TaskID: taskID,
		Seq:    seq,
		Keys:   keys,
	}
}

// NewContextTruncatedEvent creates a new context truncated event.
func NewContextTruncatedEvent(taskID string, seq, tokens, dropped int) *LoopEvent {
	return &LoopEvent{
		Type:     EventTypeContextTruncated,
		TaskID:   taskID,
		Seq:      seq,
		Tokens:   tokens,
		Metadata: map[string]interface{}{"dropped_iterations": dropped},
	}
}

// NewTaskEndEvent creates a new task end event.
func NewTaskEndEvent(taskID, status, reason string, iterations int, duration time.Duration) *LoopEvent {
	return &LoopEvent{
		Type:     EventTypeTaskEnd,
		TaskID:   taskID,
		Status:   status,
		Content:  reason,
		Seq:      iterations,
		Duration: duration,
	}
}

// NewErrorEvent creates a new error event.
func NewErrorEvent(taskID string, err error) *LoopEvent {
	return &LoopEvent{
		Type:   EventTypeError,
		TaskID: taskID,
		Error:  err,
	}
}

// WithMetadata adds metadata to an event.
func (e *LoopEvent) WithMetadata(key string, value interface{}) *LoopEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsIterationEvent returns true if this is an iteration start or end event.
func (e *LoopEvent) IsIterationEvent() bool {
	return e.Type == EventTypeIterationStart || e.Type == EventTypeIterationEnd
}

// IsTerminalEvent returns true if the task ended with this event.
func (e *LoopEvent) IsTerminalEvent() bool {
	return e.Type == EventTypeTaskEnd
}

// IsErrorEvent returns true if the event carries an error.
func (e *LoopEvent) IsErrorEvent() bool {
	return e.Type == EventTypeError || e.Type == EventTypeRetry
}
