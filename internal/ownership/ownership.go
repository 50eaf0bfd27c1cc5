// Package ownership implements the issue-ownership coordinator: checkout
// and checkin of issues against the shared store, worker heartbeats, and
// background orphan detection and repair. The store exclusively owns the
// authoritative records; this package holds only transient wait queues.
package ownership

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Status is the lifecycle state of an issue-ownership record.
// Valid transitions:
//
//	idle               -> processing
//	processing         -> awaiting-response, completed, error
//	awaiting-response  -> processing, completed, error
//	completed          -> processing (re-checkout of a finished issue)
//	error              -> processing (re-checkout after repair)
type Status string

const (
	StatusIdle             Status = "idle"
	StatusProcessing       Status = "processing"
	StatusAwaitingResponse Status = "awaiting-response"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

var validTransitions = map[Status]map[Status]bool{
	StatusIdle: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusAwaitingResponse: true,
		StatusCompleted:        true,
		StatusError:            true,
	},
	StatusAwaitingResponse: {
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusError:      true,
	},
	// Finished issues may be picked up again: a repaired or completed
	// issue accepts a fresh checkout.
	StatusCompleted: {
		StatusProcessing: true,
	},
	StatusError: {
		StatusProcessing: true,
	},
}

// IsValid returns true for recognized status values.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether the status ends a checkout cycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransitionTo reports whether the ownership state machine allows the
// move. The empty status (no record yet) behaves as idle.
func (s Status) CanTransitionTo(target Status) bool {
	if s == "" {
		s = StatusIdle
	}
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// Error kinds raised by the coordinator.
var (
	// ErrConflict means another process holds the issue in processing.
	ErrConflict = errors.New("issue is owned by another process")
	// ErrNotOwner means a checkin came from a process that is not the
	// recorded owner.
	ErrNotOwner = errors.New("process does not own the issue")
	// ErrLockTimeout means the per-issue lock could not be acquired
	// within the caller's deadline.
	ErrLockTimeout = errors.New("timed out acquiring issue lock")
	// ErrInvalidTransition rejects a move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid ownership transition")
)

// Ownership is the per-issue lifecycle record, stored as a hash.
type Ownership struct {
	IssueID   int64     `json:"issueId"`
	Status    Status    `json:"status"`
	Owner     string    `json:"owner"` // process identifier
	OSPid     int       `json:"osPid"`
	TaskType  string    `json:"taskType"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProcessRecord is the per-process registration, stored as a hash next to
// the short-TTL heartbeat key.
type ProcessRecord struct {
	ProcessID    string    `json:"processId"`
	OSPid        int       `json:"osPid"`
	Role         string    `json:"role"` // worker or coordinator
	Hostname     string    `json:"hostname"`
	LastSeen     time.Time `json:"lastSeen"`
	CurrentIssue int64     `json:"currentIssue,omitempty"`
}

// OrphanRecord describes one repaired orphan.
type OrphanRecord struct {
	IssueID     int64     `json:"issueId"`
	ProcessID   string    `json:"processId"`
	OriginalPid int       `json:"originalPid"`
	OrphanedAt  time.Time `json:"orphanedAt"`
}

// hash field names for the issue status record
const (
	fieldStatus    = "status"
	fieldOwner     = "owner"
	fieldOSPid     = "osPid"
	fieldTaskType  = "taskType"
	fieldStartedAt = "startedAt"
	fieldUpdatedAt = "updatedAt"
)

// hash field names for the process record
const (
	fieldPid          = "pid"
	fieldRole         = "role"
	fieldHostname     = "hostname"
	fieldLastSeen     = "lastSeen"
	fieldCurrentIssue = "currentIssue"
)

func ownershipFromHash(issueID int64, h map[string]string) Ownership {
	o := Ownership{IssueID: issueID, Status: Status(h[fieldStatus]), Owner: h[fieldOwner], TaskType: h[fieldTaskType]}
	o.OSPid, _ = strconv.Atoi(h[fieldOSPid])
	o.StartedAt = parseTime(h[fieldStartedAt])
	o.UpdatedAt = parseTime(h[fieldUpdatedAt])
	return o
}

func processFromHash(processID string, h map[string]string) ProcessRecord {
	p := ProcessRecord{ProcessID: processID, Role: h[fieldRole], Hostname: h[fieldHostname]}
	p.OSPid, _ = strconv.Atoi(h[fieldPid])
	p.LastSeen = parseTime(h[fieldLastSeen])
	p.CurrentIssue, _ = strconv.ParseInt(h[fieldCurrentIssue], 10, 64)
	return p
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatIssueID(issueID int64) string { return strconv.FormatInt(issueID, 10) }

func parseIssueID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed issue id %q: %w", s, err)
	}
	return id, nil
}
