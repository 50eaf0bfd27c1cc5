package daemon

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/poppobuilder/poppo/internal/log"
	"github.com/poppobuilder/poppo/internal/scheduler"
)

// kickDebounce delays a scheduling pass after a queue change so bursts
// of enqueues coalesce into one pass.
const kickDebounce = 100 * time.Millisecond

// idlePoll bounds how long an idle worker waits before re-checking the
// queue; the kick channel wakes at most one waiter per change.
const idlePoll = time.Second

// WorkerInfo is the copy-out view of one pool worker.
type WorkerInfo struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"startedAt"`
	CurrentTask string    `json:"currentTask,omitempty"`
}

type poolWorker struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	current string
}

func (w *poolWorker) setCurrent(taskID string) {
	w.mu.Lock()
	w.current = taskID
	w.mu.Unlock()
}

func (w *poolWorker) info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerInfo{ID: w.id, StartedAt: w.startedAt, CurrentTask: w.current}
}

// Pool runs in-process workers that pull tasks through the same
// selection pipeline external workers use over the control channel.
type Pool struct {
	d *Daemon

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*poolWorker
}

func newPool(d *Daemon) *Pool {
	return &Pool{d: d, workers: make(map[string]*poolWorker)}
}

// Start binds the pool to its base context and spawns the configured
// number of workers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.d.mu.Lock()
	count := p.d.cfg.Daemon.Workers
	p.d.mu.Unlock()
	if count > 0 {
		p.Scale(count)
	}
}

// Scale adjusts the pool to n workers, spawning or retiring as needed.
// Returns the resulting snapshot.
func (p *Pool) Scale(n int) []WorkerInfo {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	for len(p.workers) < n {
		p.spawnLocked()
	}
	var retired []*poolWorker
	for len(p.workers) > n {
		for id, w := range p.workers {
			retired = append(retired, w)
			delete(p.workers, id)
			break
		}
	}
	p.mu.Unlock()

	for _, w := range retired {
		w.cancel()
		<-w.done
		p.d.server.Broadcast("worker.removed", map[string]string{"workerId": w.id})
	}
	p.d.metrics.SetGauge("workers", float64(p.Count()))
	return p.Snapshot()
}

// spawnLocked starts one worker. Caller holds p.mu.
func (p *Pool) spawnLocked() {
	base := p.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	w := &poolWorker{
		id:        newWorkerID(),
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.workers[w.id] = w
	p.d.log.SafeGo("pool-"+w.id, func() {
		defer close(w.done)
		p.run(ctx, w)
	})
	p.d.server.Broadcast("worker.added", map[string]string{"workerId": w.id})
	p.d.log.Info(log.CatDaemon, "worker started", "worker", w.id)
}

// Restart retires the named worker (or every worker when id is empty)
// and spawns replacements.
func (p *Pool) Restart(id string) ([]WorkerInfo, error) {
	p.mu.Lock()
	var retired []*poolWorker
	if id == "" {
		for wid, w := range p.workers {
			retired = append(retired, w)
			delete(p.workers, wid)
		}
	} else {
		w, ok := p.workers[id]
		if !ok {
			p.mu.Unlock()
			return nil, errors.New("unknown worker " + id)
		}
		retired = append(retired, w)
		delete(p.workers, id)
	}
	p.mu.Unlock()

	for _, w := range retired {
		w.cancel()
		<-w.done
		p.d.server.Broadcast("worker.removed", map[string]string{"workerId": w.id})
	}

	p.mu.Lock()
	for range retired {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p.Snapshot(), nil
}

// Stop retires every worker, waiting up to grace for in-flight tasks.
func (p *Pool) Stop(grace time.Duration) {
	p.mu.Lock()
	workers := make([]*poolWorker, 0, len(p.workers))
	for id, w := range p.workers {
		workers = append(workers, w)
		delete(p.workers, id)
	}
	p.mu.Unlock()

	deadline := time.After(grace)
	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		select {
		case <-w.done:
		case <-deadline:
			p.d.log.Warn(log.CatDaemon, "worker did not drain in time", "worker", w.id)
		}
	}
}

// Count returns the number of live workers.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Snapshot returns the pool state sorted by worker id.
func (p *Pool) Snapshot() []WorkerInfo {
	p.mu.Lock()
	infos := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		infos = append(infos, w.info())
	}
	p.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// run is one worker's loop: acquire, execute, report, repeat.
func (p *Pool) run(ctx context.Context, w *poolWorker) {
	for ctx.Err() == nil {
		assignment, err := p.d.acquireNext(ctx, w.id, os.Getpid())
		if err != nil {
			p.waitForWork(ctx, err)
			continue
		}
		p.execute(ctx, w, assignment)
	}
}

// waitForWork parks an idle worker until the queue changes or the poll
// interval elapses.
func (p *Pool) waitForWork(ctx context.Context, cause error) {
	if !errors.Is(cause, scheduler.ErrEmpty) && !errors.Is(cause, scheduler.ErrPaused) {
		p.d.log.Warn(log.CatDaemon, "task acquisition failed", "error", cause.Error())
	}
	select {
	case <-ctx.Done():
	case <-p.d.sched.Kick():
		// Debounce so a burst of enqueues becomes one pass.
		select {
		case <-ctx.Done():
		case <-time.After(kickDebounce):
		}
	case <-time.After(idlePoll):
	}
}

func (p *Pool) execute(ctx context.Context, w *poolWorker, a *Assignment) {
	t := a.Task
	w.setCurrent(t.ID)
	defer w.setCurrent("")

	// Checkin and scheduler bookkeeping survive worker cancellation.
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r, err := p.d.runners.Get(t.Type)
	if err != nil {
		if _, _, ferr := p.d.failTask(reportCtx, t.ID, w.id, err.Error()); ferr != nil {
			p.d.log.ErrorErr(log.CatDaemon, "recording failure failed", ferr, "task", t.ID)
		}
		return
	}

	result, err := r.Run(ctx, t)
	if err != nil {
		if _, _, ferr := p.d.failTask(reportCtx, t.ID, w.id, err.Error()); ferr != nil {
			p.d.log.ErrorErr(log.CatDaemon, "recording failure failed", ferr, "task", t.ID)
		}
		return
	}
	metadata := result.Metadata
	if metadata == nil && result.Output != "" {
		metadata = map[string]string{"output": result.Output}
	}
	if _, err := p.d.completeTask(reportCtx, t.ID, w.id, metadata); err != nil {
		p.d.log.ErrorErr(log.CatDaemon, "recording completion failed", err, "task", t.ID)
	}
}
