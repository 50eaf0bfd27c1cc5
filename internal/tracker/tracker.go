// Package tracker defines the narrow interface to the external issue
// tracker. The coordinator only attaches and removes labels and posts
// status comments; everything else about the tracker is out of scope.
package tracker

import (
	"context"
	"sync"

	"github.com/poppobuilder/poppo/internal/log"
)

// Tracker is the issue-tracker adapter consumed by the ownership
// coordinator. Label updates are best-effort: failures are logged and never
// roll back a checkout or checkin.
type Tracker interface {
	// AddLabel attaches a label to the issue.
	AddLabel(ctx context.Context, issueID int64, label string) error
	// RemoveLabel detaches a label from the issue.
	RemoveLabel(ctx context.Context, issueID int64, label string) error
	// Comment posts a status comment on the issue.
	Comment(ctx context.Context, issueID int64, body string) error
}

// Labels applied by the ownership coordinator.
const (
	LabelProcessing = "processing"
	LabelCompleted  = "completed"
	LabelError      = "error"
)

// Noop is a Tracker that only logs. It is the default when no tracker is
// configured and the backend for tests. A nil Log discards the entries.
type Noop struct {
	Log *log.Logger
}

func (n Noop) AddLabel(_ context.Context, issueID int64, label string) error {
	n.Log.Debug(log.CatTracker, "label add skipped (no tracker configured)", "issue", issueID, "label", label)
	return nil
}

func (n Noop) RemoveLabel(_ context.Context, issueID int64, label string) error {
	n.Log.Debug(log.CatTracker, "label remove skipped (no tracker configured)", "issue", issueID, "label", label)
	return nil
}

func (n Noop) Comment(_ context.Context, issueID int64, body string) error {
	n.Log.Debug(log.CatTracker, "comment skipped (no tracker configured)", "issue", issueID, "bytes", len(body))
	return nil
}

// Recorder is a Tracker that records calls for tests.
type Recorder struct {
	mu       sync.Mutex
	Added    []LabelCall
	Removed  []LabelCall
	Comments []CommentCall
	// Err, when set, is returned by every call.
	Err error
}

// LabelCall records one AddLabel/RemoveLabel invocation.
type LabelCall struct {
	IssueID int64
	Label   string
}

// CommentCall records one Comment invocation.
type CommentCall struct {
	IssueID int64
	Body    string
}

func (r *Recorder) AddLabel(_ context.Context, issueID int64, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Added = append(r.Added, LabelCall{IssueID: issueID, Label: label})
	return nil
}

func (r *Recorder) RemoveLabel(_ context.Context, issueID int64, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Removed = append(r.Removed, LabelCall{IssueID: issueID, Label: label})
	return nil
}

func (r *Recorder) Comment(_ context.Context, issueID int64, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Comments = append(r.Comments, CommentCall{IssueID: issueID, Body: body})
	return nil
}

// AddedLabels returns a copy of the recorded AddLabel calls.
func (r *Recorder) AddedLabels() []LabelCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LabelCall, len(r.Added))
	copy(out, r.Added)
	return out
}
