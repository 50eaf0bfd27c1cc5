package daemon

import (
	"context"
	"errors"

	"github.com/poppobuilder/poppo/internal/log"
	"github.com/poppobuilder/poppo/internal/metrics"
	"github.com/poppobuilder/poppo/internal/ownership"
	"github.com/poppobuilder/poppo/internal/resource"
	"github.com/poppobuilder/poppo/internal/scheduler"
	"github.com/poppobuilder/poppo/internal/task"
)

// Per-task resource request. Tasks do not size themselves; the project
// quota is the real limiter.
const (
	defaultTaskCPU    = 1.0
	defaultTaskMemory = 512 << 20
)

// Assignment is what a worker receives for one unit of work.
type Assignment struct {
	Task      task.Task           `json:"task"`
	Ownership ownership.Ownership `json:"ownership"`
	Grant     resource.Grant      `json:"grant"`
}

// priorityClass maps the task's 0-100 priority onto the lock waiter
// classes.
func priorityClass(priority int) ownership.PriorityClass {
	switch {
	case priority >= 90:
		return ownership.PriorityUrgent
	case priority >= 70:
		return ownership.PriorityHigh
	case priority >= 30:
		return ownership.PriorityNormal
	default:
		return ownership.PriorityLow
	}
}

// acquireNext runs the selection pipeline for one worker: scheduler
// selection, then resource allocation, then ownership checkout. On any
// failure after selection the task goes back to the head of the queue
// and the error propagates to the worker.
func (d *Daemon) acquireNext(ctx context.Context, processID string, osPid int) (*Assignment, error) {
	if processID == "" {
		return nil, errInvalidProcess
	}

	t, err := d.sched.Next()
	if err != nil {
		return nil, err
	}

	grant, err := d.res.Allocate(t.ProjectID, processID, resource.Request{
		CPU:    defaultTaskCPU,
		Memory: defaultTaskMemory,
	})
	if err != nil {
		d.requeue(t.ID)
		return nil, err
	}

	own, err := d.owner.Checkout(ctx, ownership.CheckoutRequest{
		IssueID:   t.IssueID,
		ProcessID: processID,
		OSPid:     osPid,
		TaskType:  t.Type,
		Priority:  priorityClass(t.Priority),
	})
	if err != nil {
		d.res.Release(processID)
		d.requeue(t.ID)
		if errors.Is(err, ownership.ErrConflict) {
			d.metrics.Inc(metrics.CheckoutConflict)
		}
		return nil, err
	}

	return &Assignment{Task: *t, Ownership: own, Grant: grant}, nil
}

func (d *Daemon) requeue(taskID string) {
	if err := d.sched.Requeue(taskID); err != nil {
		d.log.ErrorErr(log.CatSched, "requeue failed", err, "task", taskID)
	}
}

// completeTask records a successful run: ownership checkin first (the
// store is authoritative), then scheduler bookkeeping and resource
// release. A failed checkin leaves the scheduler untouched so
// statistics are never double-counted.
func (d *Daemon) completeTask(ctx context.Context, taskID, processID string, metadata map[string]string) (task.Task, error) {
	tk, ok := d.sched.Get(taskID)
	if !ok {
		return task.Task{}, scheduler.ErrUnknownTask
	}
	if err := d.owner.Checkin(ctx, tk.IssueID, processID, ownership.StatusCompleted, metadata); err != nil {
		return task.Task{}, err
	}
	t, err := d.sched.Complete(taskID)
	d.res.Release(processID)
	if err != nil {
		return task.Task{}, err
	}
	return *t, nil
}

// failTask records a failed run. The issue is checked in with status
// error; the scheduler decides between retry and terminal failure.
func (d *Daemon) failTask(ctx context.Context, taskID, processID, reason string) (task.Task, bool, error) {
	tk, ok := d.sched.Get(taskID)
	if !ok {
		return task.Task{}, false, scheduler.ErrUnknownTask
	}
	err := d.owner.Checkin(ctx, tk.IssueID, processID, ownership.StatusError, map[string]string{"error": reason})
	if err != nil && !errors.Is(err, ownership.ErrNotOwner) {
		// NotOwner means an orphan sweep repaired the issue already; the
		// scheduler-side failure still has to be recorded.
		return task.Task{}, false, err
	}
	t, retried, err := d.sched.Fail(taskID, reason)
	d.res.Release(processID)
	if err != nil {
		return task.Task{}, false, err
	}
	return *t, retried, nil
}

// reconcileOrphan returns an orphan-repaired issue's task to the
// scheduler so it is not lost when its worker died.
func (d *Daemon) reconcileOrphan(issueID int64, processID string) {
	for _, t := range d.sched.Tasks() {
		if t.IssueID != issueID || t.Status != task.StatusProcessing {
			continue
		}
		if _, _, err := d.sched.Fail(t.ID, "process died unexpectedly"); err != nil {
			d.log.ErrorErr(log.CatSched, "orphan task reconcile failed", err, "task", t.ID)
		}
		break
	}
	if processID != "" {
		d.res.Release(processID)
	}
}
