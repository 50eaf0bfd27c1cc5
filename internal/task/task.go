// Package task defines the unit of schedulable work and its lifecycle
// state machine. Tasks are created at enqueue time, mutated only by the
// scheduler and the completion handler, and never mutated by workers
// directly; workers propose transitions over the control channel.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
// Valid transitions:
//
//	queued     -> processing, cancelled
//	processing -> completed, failed, queued (retry)
//	completed  -> (terminal)
//	failed     -> (terminal)
//	cancelled  -> (terminal)
type Status string

const (
	// StatusQueued indicates the task is waiting in the ready queue.
	StatusQueued Status = "queued"
	// StatusProcessing indicates the task has been handed to a worker.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the worker reported success.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the task exhausted its retries.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the task was cancelled by an operator.
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusQueued:    true, // retry path
	},
	// Terminal states have no valid transitions
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for completed, failed and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the transition is allowed by the task
// state machine.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ErrInvalidTransition is the sentinel wrapped by state-machine rejections.
var ErrInvalidTransition = fmt.Errorf("invalid task transition")

// Task is the unit of schedulable work.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	// IssueID references the external issue the task works on.
	IssueID int64 `json:"issueId"`
	// Type is a free-form string used for timeout profiling and routing
	// to a worker runner.
	Type string `json:"type"`
	// Priority is 0-100, higher is more urgent.
	Priority int        `json:"priority"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Status   Status     `json:"status"`

	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Retries   int    `json:"retries"`
	LastError string `json:"lastError,omitempty"`
}

// Spec carries the caller-supplied fields for a new task.
type Spec struct {
	ProjectID string
	IssueID   int64
	Type      string
	Priority  int
	Deadline  *time.Time
}

// Validate checks the spec fields are in range.
func (s *Spec) Validate() error {
	if s.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if s.IssueID <= 0 {
		return fmt.Errorf("issueId must be positive")
	}
	if s.Type == "" {
		return fmt.Errorf("type is required")
	}
	if s.Priority < 0 || s.Priority > 100 {
		return fmt.Errorf("priority must be in [0,100], got %d", s.Priority)
	}
	return nil
}

// New creates a queued Task from a Spec with a fresh unique id.
func New(spec Spec) (*Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task spec: %w", err)
	}
	return &Task{
		ID:         uuid.New().String(),
		ProjectID:  spec.ProjectID,
		IssueID:    spec.IssueID,
		Type:       spec.Type,
		Priority:   spec.Priority,
		Deadline:   spec.Deadline,
		Status:     StatusQueued,
		EnqueuedAt: time.Now(),
	}, nil
}

// TransitionTo moves the task to the target status, stamping the relevant
// timestamp. Returns ErrInvalidTransition when the state machine forbids it.
func (t *Task) TransitionTo(target Status) error {
	if !t.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, target)
	}
	t.Status = target
	now := time.Now()
	switch target {
	case StatusProcessing:
		t.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.CompletedAt = &now
	case StatusQueued:
		// retry: arrival timestamp is preserved
		t.StartedAt = nil
	}
	return nil
}

// IsTerminal returns true if the task reached a terminal status.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }
