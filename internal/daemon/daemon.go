// Package daemon wires the store, ownership coordinator, resource
// manager, scheduler and control-channel server into the long-running
// coordinator process, and owns its lifecycle: startup, background
// tickers, signal handling, reload and graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/poppobuilder/poppo/internal/archive"
	"github.com/poppobuilder/poppo/internal/config"
	"github.com/poppobuilder/poppo/internal/log"
	"github.com/poppobuilder/poppo/internal/metrics"
	"github.com/poppobuilder/poppo/internal/ownership"
	"github.com/poppobuilder/poppo/internal/project"
	"github.com/poppobuilder/poppo/internal/protocol"
	"github.com/poppobuilder/poppo/internal/resource"
	"github.com/poppobuilder/poppo/internal/runner"
	"github.com/poppobuilder/poppo/internal/scheduler"
	"github.com/poppobuilder/poppo/internal/store"
	"github.com/poppobuilder/poppo/internal/task"
	"github.com/poppobuilder/poppo/internal/tracker"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitStartup = 1
	ExitConfig  = 2
	ExitStore   = 3
)

// Daemon owns every component and the run loop.
type Daemon struct {
	version   string
	cfgPath   string
	processID string
	startedAt time.Time
	log       *log.Logger

	mu  sync.Mutex // guards cfg across reloads
	cfg config.Config

	st       store.Store
	trk      tracker.Tracker
	owner    *ownership.Coordinator
	res      *resource.Manager
	sched    *scheduler.Scheduler
	projects project.Registry
	runners  *runner.Registry
	arch     *archive.Archive
	metrics  *metrics.Registry
	registry *protocol.Registry
	server   *protocol.Server
	pool     *Pool

	// lastCompleted feeds completed-task deltas into Reallocate.
	lastCompleted map[string]int

	stopOnce sync.Once
	stopped  chan struct{}
}

// Option overrides a default dependency, mostly for tests.
type Option func(*Daemon)

// WithStore substitutes the shared-state store client.
func WithStore(st store.Store) Option { return func(d *Daemon) { d.st = st } }

// WithTracker substitutes the issue-tracker adapter.
func WithTracker(trk tracker.Tracker) Option { return func(d *Daemon) { d.trk = trk } }

// WithLogger sets the daemon's logger. It is handed to every component at
// construction; without it the daemon runs silent.
func WithLogger(l *log.Logger) Option { return func(d *Daemon) { d.log = l } }

// New builds a Daemon from configuration. The store is not contacted
// until Run.
func New(cfg config.Config, cfgPath, version string, opts ...Option) (*Daemon, error) {
	hostname, _ := os.Hostname()
	d := &Daemon{
		version:       version,
		cfgPath:       cfgPath,
		cfg:           cfg,
		processID:     fmt.Sprintf("coordinator-%s-%d", hostname, os.Getpid()),
		startedAt:     time.Now(),
		projects:      project.NewRegistry(),
		runners:       runner.NewRegistry(),
		metrics:       metrics.NewRegistry(),
		registry:      protocol.NewRegistry(),
		lastCompleted: make(map[string]int),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.st == nil {
		d.st = store.NewRedisStore(store.Options{
			Addr:     cfg.Store.Addr,
			Password: cfg.Store.Password,
			DB:       cfg.Store.DB,
			Logger:   d.log,
		})
	}
	if d.trk == nil {
		d.trk = tracker.Noop{Log: d.log}
	}

	d.owner = ownership.New(d.st, d.trk, ownership.Config{
		Hostname:        hostname,
		ReconcileLabels: cfg.Tracker.Reconcile,
		Logger:          d.log,
	})

	resCfg, err := cfg.ResourceManagerConfig()
	if err != nil {
		return nil, err
	}
	resCfg.Logger = d.log
	if d.res, err = resource.NewManager(resCfg); err != nil {
		return nil, err
	}

	d.sched = scheduler.New(scheduler.Config{
		Policy:       scheduler.Policy(cfg.Scheduler.Policy),
		MaxRetries:   cfg.Scheduler.MaxRetries,
		StatePath:    cfg.Scheduler.StatePath,
		SnapshotDir:  cfg.Scheduler.SnapshotDir,
		SnapshotKeep: cfg.Scheduler.SnapshotKeep,
		Logger:       d.log,
	})

	if d.arch, err = archive.Open(cfg.Archive.Path); err != nil {
		return nil, err
	}

	if err := d.applyProjects(cfg.Projects); err != nil {
		return nil, err
	}

	d.server = protocol.NewServer(d.registry, protocol.ServerConfig{
		AuthToken: cfg.Daemon.AuthToken,
		Logger:    d.log,
	})
	d.pool = newPool(d)
	d.registerHandlers()
	return d, nil
}

// RegisterRunner binds a task type to a worker implementation. Must be
// called before Run.
func (d *Daemon) RegisterRunner(taskType string, r runner.Runner) {
	d.runners.Register(taskType, r)
}

// ProcessID is the daemon's own process identifier in the shared store.
func (d *Daemon) ProcessID() string { return d.processID }

// applyProjects pushes configured projects into the registry, the
// resource manager and the scheduler's weight table.
func (d *Daemon) applyProjects(projects []config.ProjectConfig) error {
	for _, pc := range projects {
		quota, err := pc.ResourceQuota()
		if err != nil {
			return err
		}
		weight := pc.Weight
		if weight <= 0 {
			weight = 1
		}
		p := &project.Project{
			ID:       pc.ID,
			Name:     pc.Name,
			Path:     pc.Path,
			Priority: pc.Priority,
			Weight:   weight,
			Enabled:  pc.IsEnabled(),
		}
		if _, exists := d.projects.Get(pc.ID); exists {
			if err := d.projects.Update(pc.ID, func(cur *project.Project) {
				cur.Name, cur.Path = p.Name, p.Path
				cur.Priority, cur.Weight, cur.Enabled = p.Priority, p.Weight, p.Enabled
			}); err != nil {
				return err
			}
		} else if err := d.projects.Put(p); err != nil {
			return err
		}
		d.res.SetQuota(pc.ID, quota)
		d.sched.SetProjectWeight(pc.ID, weight)
	}
	return nil
}

// Run starts everything and blocks until the context is cancelled, a
// termination signal arrives, or daemon.stop is received. The returned
// error is nil on clean shutdown; store.ErrUnavailable wraps a store
// that could not be reached at startup.
func (d *Daemon) Run(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := d.st.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("store unreachable at startup: %w", err)
	}

	if err := d.sched.Load(); err != nil {
		return fmt.Errorf("loading queue state: %w", err)
	}

	d.mu.Lock()
	socketPath := d.cfg.Daemon.SocketPath
	stateDir := d.cfg.Daemon.StateDir
	d.mu.Unlock()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	ln, err := protocol.Listen(socketPath)
	if err != nil {
		return fmt.Errorf("opening control channel: %w", err)
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	d.log.SafeGo("control-server", func() {
		if serveErr := d.server.Serve(loopCtx, ln); serveErr != nil && loopCtx.Err() == nil {
			d.log.ErrorErr(log.CatDaemon, "control server stopped", serveErr)
		}
	})

	d.startFanOut(loopCtx)
	d.startTickers(loopCtx)
	d.startConfigWatcher(loopCtx)
	d.pool.Start(loopCtx)

	// Own process record, so a sibling coordinator can tell we are alive.
	if err := d.owner.Heartbeat(loopCtx, d.processID); err != nil {
		d.log.ErrorErr(log.CatDaemon, "initial heartbeat failed", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	d.log.Info(log.CatDaemon, "daemon started",
		"pid", os.Getpid(), "process", d.processID, "socket", socketPath, "version", d.version)

	for {
		select {
		case <-ctx.Done():
			d.shutdown(cancelLoops)
			return nil
		case <-d.stopped:
			d.shutdown(cancelLoops)
			return nil
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					d.log.ErrorErr(log.CatDaemon, "reload failed", err)
				}
			default:
				d.log.Info(log.CatDaemon, "termination signal", "signal", sig.String())
				d.shutdown(cancelLoops)
				return nil
			}
		}
	}
}

// Stop schedules a graceful shutdown. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

func (d *Daemon) shutdown(cancelLoops context.CancelFunc) {
	d.mu.Lock()
	grace := d.cfg.Daemon.ShutdownGrace
	d.mu.Unlock()

	d.log.Info(log.CatDaemon, "shutting down", "grace", grace)
	d.pool.Stop(grace)
	cancelLoops()
	d.server.Close()

	if err := d.sched.Save(); err != nil {
		d.log.ErrorErr(log.CatSched, "final queue save failed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.owner.CleanupProcess(ctx, d.processID); err != nil {
		d.log.ErrorErr(log.CatOwner, "releasing own ownership failed", err)
	}

	if err := d.arch.Close(); err != nil {
		d.log.ErrorErr(log.CatArchive, "archive close failed", err)
	}
	if err := d.st.Close(); err != nil {
		d.log.ErrorErr(log.CatStore, "store close failed", err)
	}
	d.log.Info(log.CatDaemon, "daemon stopped")
}

// Reload re-reads the config file and applies what can change at
// runtime: scheduling policy, project set, quotas, weights. In-flight
// tasks are untouched.
func (d *Daemon) Reload() error {
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}

	// Auth token and socket path changes need a full restart.
	d.mu.Lock()
	d.cfg.Scheduler.Policy = cfg.Scheduler.Policy
	d.cfg.Tracker = cfg.Tracker
	d.cfg.Projects = cfg.Projects
	d.mu.Unlock()

	if p, perr := scheduler.ParsePolicy(cfg.Scheduler.Policy); perr == nil {
		d.sched.SetPolicy(p)
	}
	if err := d.applyProjects(cfg.Projects); err != nil {
		return err
	}

	d.log.Info(log.CatConfig, "configuration reloaded", "policy", cfg.Scheduler.Policy,
		"projects", len(cfg.Projects))
	d.server.Broadcast("config.reloaded", map[string]any{"policy": cfg.Scheduler.Policy})
	return nil
}

// startConfigWatcher makes config-file edits behave like SIGHUP.
func (d *Daemon) startConfigWatcher(ctx context.Context) {
	if d.cfgPath == "" {
		return
	}
	w, err := config.NewWatcher(d.cfgPath, d.log)
	if err != nil {
		d.log.ErrorErr(log.CatConfig, "config watcher unavailable", err)
		return
	}
	ch, err := w.Start()
	if err != nil {
		d.log.ErrorErr(log.CatConfig, "config watcher unavailable", err)
		return
	}
	d.log.SafeGo("config-reload", func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := d.Reload(); err != nil {
					d.log.ErrorErr(log.CatConfig, "reload after file change failed", err)
				}
			}
		}
	})
}

// startFanOut forwards scheduler and ownership events to connected
// control-channel clients and keeps the metric counters current.
func (d *Daemon) startFanOut(ctx context.Context) {
	schedEvents := d.sched.Events().Subscribe(ctx)
	ownEvents := d.owner.Events().Subscribe(ctx)

	d.log.SafeGo("event-fanout", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-schedEvents:
				if !ok {
					return
				}
				d.onSchedulerEvent(ev.Payload)
			case ev, ok := <-ownEvents:
				if !ok {
					return
				}
				d.onOwnershipEvent(ev.Payload)
			}
		}
	})
}

func (d *Daemon) onSchedulerEvent(ev scheduler.Event) {
	switch ev.Name {
	case "task.completed":
		d.metrics.Inc(metrics.TasksCompleted)
		if ev.Task != nil && ev.Task.StartedAt != nil && ev.Task.CompletedAt != nil {
			d.metrics.Observe("task."+ev.Task.Type, ev.Task.CompletedAt.Sub(*ev.Task.StartedAt))
		}
		d.archiveTask(ev.Task)
	case "task.failed":
		d.metrics.Inc(metrics.TasksFailed)
		d.archiveTask(ev.Task)
	case "task.retry":
		d.metrics.Inc(metrics.TasksRetried)
	}
	d.server.Broadcast(ev.Name, ev)
}

func (d *Daemon) onOwnershipEvent(ev ownership.Event) {
	switch ev.Name {
	case "orphan.repaired":
		d.metrics.Inc(metrics.OrphansRepaired)
		d.reconcileOrphan(ev.IssueID, ev.ProcessID)
	case "deadlock.broken":
		d.metrics.Inc(metrics.DeadlocksBroken)
	}
	d.server.Broadcast(ev.Name, ev)
}

func (d *Daemon) archiveTask(t *task.Task) {
	if t == nil || !t.IsTerminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.arch.Record(ctx, t); err != nil {
		d.log.ErrorErr(log.CatArchive, "archiving task failed", err, "task", t.ID)
	}
}

// startTickers spawns the background loops. A panicking pass is logged
// and the loop restarted after one second.
func (d *Daemon) startTickers(ctx context.Context) {
	d.mu.Lock()
	cfg := d.cfg.Daemon
	d.mu.Unlock()

	d.runTicker(ctx, "orphan-sweep", cfg.OrphanSweep, func(ctx context.Context) {
		if _, err := d.owner.ScanOrphans(ctx); err != nil {
			d.log.ErrorErr(log.CatOwner, "orphan sweep failed", err)
		}
	})
	d.runTicker(ctx, "heartbeat", cfg.HeartbeatInterval, func(ctx context.Context) {
		if err := d.owner.Heartbeat(ctx, d.processID); err != nil {
			d.log.ErrorErr(log.CatOwner, "heartbeat failed", err)
		}
	})
	d.runTicker(ctx, "autosave", cfg.AutosaveInterval, func(context.Context) {
		if err := d.sched.SaveIfDirty(); err != nil {
			d.log.ErrorErr(log.CatSched, "autosave failed", err)
		}
	})
	d.runTicker(ctx, "deadlock-walk", cfg.DeadlockInterval, func(context.Context) {
		d.owner.DetectDeadlocks()
	})
	d.runTicker(ctx, "reallocate", cfg.ReallocateInterval, func(context.Context) {
		d.reallocate()
	})
}

// runTicker runs fn every interval until ctx is done. Panics are
// recovered and the loop restarts after one second.
func (d *Daemon) runTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	go func() {
		for ctx.Err() == nil {
			d.tickerPass(ctx, name, interval, fn)
			if ctx.Err() == nil {
				time.Sleep(time.Second)
			}
		}
	}()
}

func (d *Daemon) tickerPass(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(log.CatDaemon, "ticker panicked", "name", name, "panic", fmt.Sprint(r))
		}
	}()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// reallocate feeds completed-task deltas into the resource manager.
func (d *Daemon) reallocate() {
	stats := d.sched.Stats()
	input := make(map[string]resource.Metrics, len(stats.Projects))
	for id, counts := range stats.Projects {
		delta := counts.Completed - d.lastCompleted[id]
		if delta < 0 {
			delta = 0
		}
		d.lastCompleted[id] = counts.Completed
		input[id] = resource.Metrics{Throughput: float64(delta)}
	}
	report := d.res.Reallocate(input)
	if report.Triggered {
		d.metrics.Inc(metrics.Reallocations)
		d.log.Info(log.CatQuota, "quotas reallocated", "spread", fmt.Sprintf("%.3f", report.Spread))
	}
}

// errInvalidProcess guards worker-supplied process ids.
var errInvalidProcess = errors.New("processId is required")

// newWorkerID mints a unique in-process worker identifier.
func newWorkerID() string {
	return "worker-" + uuid.New().String()[:8]
}
