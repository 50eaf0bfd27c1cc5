// Package scheduler holds the ready-task queue, the pluggable selection
// policies and the durable queue state. Selection never blocks on I/O;
// persistence happens on the daemon's autosave tick and at shutdown.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/poppobuilder/poppo/internal/log"
	"github.com/poppobuilder/poppo/internal/pubsub"
	"github.com/poppobuilder/poppo/internal/task"
)

var (
	// ErrEmpty is returned by Next when no task is ready.
	ErrEmpty = errors.New("queue is empty")
	// ErrPaused is returned by Next while the queue is paused.
	ErrPaused = errors.New("queue is paused")
	// ErrUnknownTask is returned for task ids the scheduler does not hold.
	ErrUnknownTask = errors.New("unknown task")
)

// DefaultMaxRetries is how many times a failed task is re-queued before
// it is marked failed for good.
const DefaultMaxRetries = 3

// Event is published on the scheduler's broker for every state change.
// Name matches the control-channel event vocabulary.
type Event struct {
	Name string     `json:"event"`
	Task *task.Task `json:"task,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	// Policy selects the scheduling strategy. Default PolicyFIFO.
	Policy Policy
	// MaxRetries before a failing task goes terminal. Default 3.
	MaxRetries int
	// StatePath is the durable queue file. Empty disables persistence.
	StatePath string
	// SnapshotDir holds rotating point-in-time snapshots. Empty disables.
	SnapshotDir string
	// SnapshotKeep is how many snapshots to retain. Default 24.
	SnapshotKeep int
	// Logger receives scheduler diagnostics. Nil discards them.
	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyFIFO
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.SnapshotKeep == 0 {
		c.SnapshotKeep = DefaultSnapshotKeep
	}
}

// projectStat tracks per-project counters and the weighted-fair state.
type projectStat struct {
	queued     int
	processing int
	completed  int
	failed     int
	retried    int

	weight  float64
	balance float64
}

// Scheduler is the single logical queue of ready tasks plus the
// in-flight processing map. One mutex guards all state.
type Scheduler struct {
	mu         sync.Mutex
	cfg        Config
	policy     Policy
	paused     bool
	ready      []*task.Task
	processing map[string]*task.Task
	stats      map[string]*projectStat
	rrCursor   string
	dirty      bool

	broker *pubsub.Broker[Event]
	kick   chan struct{}
	log    *log.Logger
}

// New creates a Scheduler. Call Load afterwards to replay persisted state.
func New(cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:        cfg,
		policy:     cfg.Policy,
		processing: make(map[string]*task.Task),
		stats:      make(map[string]*projectStat),
		broker:     pubsub.NewBroker[Event](),
		kick:       make(chan struct{}, 1),
		log:        cfg.Logger,
	}
}

// Events exposes the scheduler's broker for control-channel fan-out.
func (s *Scheduler) Events() *pubsub.Broker[Event] { return s.broker }

// Kick signals that a scheduling pass may find work. The daemon debounces
// reads from this channel.
func (s *Scheduler) Kick() <-chan struct{} { return s.kick }

func (s *Scheduler) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SetPolicy switches the selection policy at runtime.
func (s *Scheduler) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	s.log.Info(log.CatSched, "policy changed", "policy", p)
}

// Policy returns the active selection policy.
func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetProjectWeight records a project's share weight for weighted-fair
// selection. The token balance resets to the new weight.
func (s *Scheduler) SetProjectWeight(projectID string, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statFor(projectID)
	st.weight = weight
	st.balance = weight
}

// statFor returns the project's stat record, creating it with weight 1.
// Caller holds s.mu.
func (s *Scheduler) statFor(projectID string) *projectStat {
	st, ok := s.stats[projectID]
	if !ok {
		st = &projectStat{weight: 1, balance: 1}
		s.stats[projectID] = st
	}
	return st
}

// Enqueue appends a queued task to the ready queue.
func (s *Scheduler) Enqueue(t *task.Task) error {
	if t == nil {
		return fmt.Errorf("nil task")
	}
	if t.Status != task.StatusQueued {
		return fmt.Errorf("%w: enqueue requires status queued, got %s", task.ErrInvalidTransition, t.Status)
	}

	s.mu.Lock()
	s.ready = append(s.ready, t)
	s.statFor(t.ProjectID).queued++
	s.dirty = true
	s.mu.Unlock()

	s.log.Debug(log.CatSched, "enqueued", "task", t.ID, "project", t.ProjectID, "priority", t.Priority)
	s.broker.Publish(pubsub.UpdatedEvent, Event{Name: "queue.updated", Task: t})
	s.notify()
	return nil
}

// Next selects a task under the active policy, marks it processing and
// moves it to the processing map. The caller performs resource allocation
// and ownership checkout; on failure it must call Requeue.
func (s *Scheduler) Next() (*task.Task, error) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return nil, ErrPaused
	}
	idx := s.selectIndex(time.Now())
	if idx < 0 {
		s.mu.Unlock()
		return nil, ErrEmpty
	}

	t := s.ready[idx]
	s.ready = append(s.ready[:idx], s.ready[idx+1:]...)
	if err := t.TransitionTo(task.StatusProcessing); err != nil {
		// Should be unreachable: ready tasks are always queued.
		s.ready = append([]*task.Task{t}, s.ready...)
		s.mu.Unlock()
		return nil, err
	}
	s.processing[t.ID] = t
	st := s.statFor(t.ProjectID)
	st.queued--
	st.processing++
	s.dirty = true
	policy := s.policy
	s.mu.Unlock()

	s.log.Debug(log.CatSched, "selected", "task", t.ID, "project", t.ProjectID, "policy", policy)
	s.broker.Publish(pubsub.UpdatedEvent, Event{Name: "task.started", Task: t})
	return t, nil
}

// Requeue returns an in-flight task to the head of the queue. Used when
// resource allocation or ownership checkout fails after selection.
func (s *Scheduler) Requeue(taskID string) error {
	s.mu.Lock()
	t, ok := s.processing[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err := t.TransitionTo(task.StatusQueued); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.processing, taskID)
	s.ready = append([]*task.Task{t}, s.ready...)
	st := s.statFor(t.ProjectID)
	st.processing--
	st.queued++
	s.dirty = true
	s.mu.Unlock()

	s.log.Debug(log.CatSched, "requeued", "task", taskID)
	s.broker.Publish(pubsub.UpdatedEvent, Event{Name: "queue.updated", Task: t})
	s.notify()
	return nil
}

// Complete marks an in-flight task completed and removes it.
func (s *Scheduler) Complete(taskID string) (*task.Task, error) {
	s.mu.Lock()
	t, ok := s.processing[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err := t.TransitionTo(task.StatusCompleted); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	delete(s.processing, taskID)
	st := s.statFor(t.ProjectID)
	st.processing--
	st.completed++
	s.dirty = true
	s.mu.Unlock()

	s.log.Info(log.CatSched, "task completed", "task", taskID, "project", t.ProjectID)
	s.broker.Publish(pubsub.UpdatedEvent, Event{Name: "task.completed", Task: t})
	s.notify()
	return t, nil
}

// Fail records a failure for an in-flight task. Below MaxRetries the task
// is re-queued with its arrival timestamp intact and retried reports
// true; otherwise the task goes terminal failed.
func (s *Scheduler) Fail(taskID, reason string) (t *task.Task, retried bool, err error) {
	s.mu.Lock()
	t, ok := s.processing[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	delete(s.processing, taskID)
	t.Retries++
	t.LastError = reason
	st := s.statFor(t.ProjectID)
	st.processing--

	if t.Retries < s.cfg.MaxRetries {
		if err := t.TransitionTo(task.StatusQueued); err != nil {
			s.mu.Unlock()
			return nil, false, err
		}
		s.ready = append(s.ready, t)
		st.queued++
		st.retried++
		s.dirty = true
		s.mu.Unlock()

		s.log.Warn(log.CatSched, "task retry", "task", taskID, "retries", t.Retries, "reason", reason)
		s.broker.Publish(pubsub.UpdatedEvent, Event{Name: "task.retry", Task: t})
		s.notify()
		return t, true, nil
	}

	if err := t.TransitionTo(task.StatusFailed); err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	st.failed++
	s.dirty = true
	s.mu.Unlock()

	s.log.Error(log.CatSched, "task failed", "task", taskID, "retries", t.Retries, "reason", reason)
	s.broker.Publish(pubsub.UpdatedEvent, Event{Name: "task.failed", Task: t})
	return t, false, nil
}

// Cancel removes a queued task. In-flight tasks cannot be cancelled here;
// the daemon releases ownership first and then calls Fail or Complete.
func (s *Scheduler) Cancel(taskID string) (*task.Task, error) {
	s.mu.Lock()
	for i, t := range s.ready {
		if t.ID != taskID {
			continue
		}
		if err := t.TransitionTo(task.StatusCancelled); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.ready = append(s.ready[:i], s.ready[i+1:]...)
		s.statFor(t.ProjectID).queued--
		s.dirty = true
		s.mu.Unlock()

		s.log.Info(log.CatSched, "task cancelled", "task", taskID)
		s.broker.Publish(pubsub.UpdatedEvent, Event{Name: "queue.updated", Task: t})
		return t, nil
	}
	s.mu.Unlock()
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
}

// Pause stops Next from handing out tasks. Enqueue still accepts.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info(log.CatSched, "queue paused")
}

// Resume re-enables selection.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info(log.CatSched, "queue resumed")
	s.notify()
}

// Paused reports whether the queue is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Clear cancels ready tasks, optionally filtered by status, and returns
// how many were removed. An empty filter clears every ready task.
func (s *Scheduler) Clear(statusFilter task.Status) int {
	s.mu.Lock()
	kept := s.ready[:0]
	removed := 0
	for _, t := range s.ready {
		if statusFilter != "" && t.Status != statusFilter {
			kept = append(kept, t)
			continue
		}
		_ = t.TransitionTo(task.StatusCancelled)
		s.statFor(t.ProjectID).queued--
		removed++
	}
	s.ready = kept
	if removed > 0 {
		s.dirty = true
	}
	s.mu.Unlock()

	if removed > 0 {
		s.log.Info(log.CatSched, "queue cleared", "removed", removed)
		s.broker.Publish(pubsub.UpdatedEvent, Event{Name: "queue.updated"})
	}
	return removed
}

// ProjectCounts is the persisted per-project counter set.
type ProjectCounts struct {
	Queued     int     `json:"queued"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Retried    int     `json:"retried"`
	Weight     float64 `json:"weight"`
}

// Stats is the copy-out scheduler snapshot.
type Stats struct {
	Policy     Policy                   `json:"policy"`
	Paused     bool                     `json:"paused"`
	Ready      int                      `json:"ready"`
	Processing int                      `json:"processing"`
	Projects   map[string]ProjectCounts `json:"projects"`
}

// Stats returns queue counters by project and in total.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Policy:     s.policy,
		Paused:     s.paused,
		Ready:      len(s.ready),
		Processing: len(s.processing),
		Projects:   make(map[string]ProjectCounts, len(s.stats)),
	}
	for id, st := range s.stats {
		out.Projects[id] = ProjectCounts{
			Queued:     st.queued,
			Processing: st.processing,
			Completed:  st.completed,
			Failed:     st.failed,
			Retried:    st.retried,
			Weight:     st.weight,
		}
	}
	return out
}

// Tasks returns a snapshot of ready tasks in queue order followed by
// in-flight tasks.
func (s *Scheduler) Tasks() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]task.Task, 0, len(s.ready)+len(s.processing))
	for _, t := range s.ready {
		out = append(out, *t)
	}
	for _, t := range s.processing {
		out = append(out, *t)
	}
	return out
}

// Get returns a copy of the task by id, ready or in-flight.
func (s *Scheduler) Get(taskID string) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.processing[taskID]; ok {
		return *t, true
	}
	for _, t := range s.ready {
		if t.ID == taskID {
			return *t, true
		}
	}
	return task.Task{}, false
}
