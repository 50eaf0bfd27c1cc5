package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/poppobuilder/poppo/internal/archive"
	"github.com/poppobuilder/poppo/internal/config"
	"github.com/poppobuilder/poppo/internal/log"
	"github.com/poppobuilder/poppo/internal/metrics"
	"github.com/poppobuilder/poppo/internal/ownership"
	"github.com/poppobuilder/poppo/internal/project"
	"github.com/poppobuilder/poppo/internal/protocol"
	"github.com/poppobuilder/poppo/internal/scheduler"
	"github.com/poppobuilder/poppo/internal/task"
)

// decodeArgs unmarshals command args, treating absent args as the zero
// value and malformed args as InvalidArgs.
func decodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 || string(args) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, protocol.InvalidArgsf("%v", err)
	}
	return v, nil
}

func (d *Daemon) registerHandlers() {
	r := d.registry

	r.Register("daemon.status", d.handleDaemonStatus)
	r.Register("daemon.stop", d.handleDaemonStop)
	r.Register("daemon.reload", d.handleDaemonReload)

	r.Register("project.list", d.handleProjectList)
	r.Register("project.add", d.handleProjectAdd)
	r.Register("project.remove", d.handleProjectRemove)
	r.Register("project.start", d.handleProjectStart)
	r.Register("project.stop", d.handleProjectStop)
	r.Register("project.restart", d.handleProjectRestart)
	r.Register("project.update", d.handleProjectUpdate)

	r.Register("queue.status", d.handleQueueStatus)
	r.Register("queue.pause", d.handleQueuePause)
	r.Register("queue.resume", d.handleQueueResume)
	r.Register("queue.clear", d.handleQueueClear)
	r.Register("queue.stats", d.handleQueueStats)
	r.Register("queue.enqueue", d.handleQueueEnqueue)
	r.Register("queue.get-next-task", d.handleGetNextTask)

	r.Register("worker.status", d.handleWorkerStatus)
	r.Register("worker.scale", d.handleWorkerScale)
	r.Register("worker.restart", d.handleWorkerRestart)

	r.Register("task.list", d.handleTaskList)
	r.Register("task.status", d.handleTaskStatus)
	r.Register("task.cancel", d.handleTaskCancel)
	r.Register("task.retry", d.handleTaskRetry)
	r.Register("task.complete", d.handleTaskComplete)
	r.Register("task.fail", d.handleTaskFail)

	r.Register("health.check", d.handleHealthCheck)
	r.Register("metrics.get", d.handleMetricsGet)
}

// --- daemon ---

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (d *Daemon) health(ctx context.Context) healthReport {
	report := healthReport{Status: "ok", Checks: make(map[string]string)}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.st.Ping(pingCtx); err != nil {
		report.Status = "degraded"
		report.Checks["store"] = err.Error()
	} else {
		report.Checks["store"] = "ok"
	}

	stats := d.sched.Stats()
	report.Checks["queue"] = "ok"
	if stats.Paused {
		report.Checks["queue"] = "paused"
	}
	report.Checks["workers"] = "ok"
	if d.pool.Count() == 0 {
		report.Checks["workers"] = "none"
	}
	return report
}

func (d *Daemon) handleDaemonStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"uptime":    time.Since(d.startedAt).String(),
		"pid":       os.Getpid(),
		"processId": d.processID,
		"version":   d.version,
		"health":    d.health(ctx),
	}, nil
}

func (d *Daemon) handleDaemonStop(_ context.Context, _ json.RawMessage) (any, error) {
	// Delay so the response reaches the client before the channel closes.
	d.log.SafeGo("scheduled-stop", func() {
		time.Sleep(100 * time.Millisecond)
		d.Stop()
	})
	return map[string]string{"status": "shutdown scheduled"}, nil
}

func (d *Daemon) handleDaemonReload(_ context.Context, _ json.RawMessage) (any, error) {
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return map[string]string{"status": "config reloaded"}, nil
}

// --- projects ---

type projectInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Priority     int       `json:"priority"`
	Weight       float64   `json:"weight"`
	Enabled      bool      `json:"enabled"`
	LastActivity time.Time `json:"lastActivity"`
}

func toProjectInfo(p *project.Project) projectInfo {
	return projectInfo{
		ID: p.ID, Name: p.Name, Path: p.Path,
		Priority: p.Priority, Weight: p.Weight, Enabled: p.Enabled,
		LastActivity: p.LastActivity,
	}
}

func (d *Daemon) handleProjectList(_ context.Context, _ json.RawMessage) (any, error) {
	projects := d.projects.List(project.ListQuery{})
	out := make([]projectInfo, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectInfo(p))
	}
	return out, nil
}

type projectArgs struct {
	ProjectID string              `json:"projectId"`
	Name      string              `json:"name"`
	Path      string              `json:"path"`
	Priority  *int                `json:"priority"`
	Weight    *float64            `json:"weight"`
	Quota     *config.QuotaConfig `json:"quota"`
}

func (d *Daemon) handleProjectAdd(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[projectArgs](args)
	if err != nil {
		return nil, err
	}
	if a.ProjectID == "" {
		return nil, protocol.InvalidArgsf("projectId is required")
	}
	pc := config.ProjectConfig{ID: a.ProjectID, Name: a.Name, Path: a.Path, Weight: 1}
	if a.Priority != nil {
		pc.Priority = *a.Priority
	}
	if a.Weight != nil {
		pc.Weight = *a.Weight
	}
	if a.Quota != nil {
		pc.Quota = *a.Quota
	}
	if err := d.applyProjects([]config.ProjectConfig{pc}); err != nil {
		return nil, protocol.InvalidArgsf("%v", err)
	}
	d.persistProjects(func(projects []config.ProjectConfig) []config.ProjectConfig {
		for i, cur := range projects {
			if cur.ID == pc.ID {
				projects[i] = pc
				return projects
			}
		}
		return append(projects, pc)
	})
	p, _ := d.projects.Get(a.ProjectID)
	d.server.Broadcast("project.added", toProjectInfo(p))
	return toProjectInfo(p), nil
}

func (d *Daemon) handleProjectRemove(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[projectArgs](args)
	if err != nil {
		return nil, err
	}
	// A project stays registered while any queued or processing task still
	// references it; removing it under live tasks would strand them
	// un-allocatable at the head of the queue.
	live := 0
	for _, t := range d.sched.Tasks() {
		if t.ProjectID == a.ProjectID {
			live++
		}
	}
	if live > 0 {
		return nil, fmt.Errorf("%w: project %q still has %d task(s)", ownership.ErrConflict, a.ProjectID, live)
	}
	if err := d.projects.Remove(a.ProjectID); err != nil {
		return nil, protocol.InvalidArgsf("%v", err)
	}
	d.res.RemoveProject(a.ProjectID)
	d.persistProjects(func(projects []config.ProjectConfig) []config.ProjectConfig {
		kept := projects[:0]
		for _, cur := range projects {
			if cur.ID != a.ProjectID {
				kept = append(kept, cur)
			}
		}
		return kept
	})
	d.server.Broadcast("project.removed", map[string]string{"projectId": a.ProjectID})
	return map[string]string{"status": "removed"}, nil
}

func (d *Daemon) setProjectEnabled(projectID string, enabled bool) (any, error) {
	if err := d.projects.Update(projectID, func(p *project.Project) {
		p.Enabled = enabled
		p.LastActivity = time.Now()
	}); err != nil {
		return nil, protocol.InvalidArgsf("%v", err)
	}
	d.server.Broadcast("project.status-changed", map[string]any{
		"projectId": projectID, "enabled": enabled,
	})
	p, _ := d.projects.Get(projectID)
	return toProjectInfo(p), nil
}

func (d *Daemon) handleProjectStart(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[projectArgs](args)
	if err != nil {
		return nil, err
	}
	return d.setProjectEnabled(a.ProjectID, true)
}

func (d *Daemon) handleProjectStop(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[projectArgs](args)
	if err != nil {
		return nil, err
	}
	return d.setProjectEnabled(a.ProjectID, false)
}

func (d *Daemon) handleProjectRestart(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[projectArgs](args)
	if err != nil {
		return nil, err
	}
	if _, err := d.setProjectEnabled(a.ProjectID, false); err != nil {
		return nil, err
	}
	return d.setProjectEnabled(a.ProjectID, true)
}

func (d *Daemon) handleProjectUpdate(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[projectArgs](args)
	if err != nil {
		return nil, err
	}
	if err := d.projects.Update(a.ProjectID, func(p *project.Project) {
		if a.Name != "" {
			p.Name = a.Name
		}
		if a.Path != "" {
			p.Path = a.Path
		}
		if a.Priority != nil {
			p.Priority = *a.Priority
		}
		if a.Weight != nil && *a.Weight > 0 {
			p.Weight = *a.Weight
			d.sched.SetProjectWeight(a.ProjectID, *a.Weight)
		}
	}); err != nil {
		return nil, protocol.InvalidArgsf("%v", err)
	}
	if a.Quota != nil {
		pc := config.ProjectConfig{ID: a.ProjectID, Quota: *a.Quota}
		if a.Priority != nil {
			pc.Priority = *a.Priority
		}
		quota, qerr := pc.ResourceQuota()
		if qerr != nil {
			return nil, protocol.InvalidArgsf("%v", qerr)
		}
		d.res.SetQuota(a.ProjectID, quota)
	}
	p, _ := d.projects.Get(a.ProjectID)
	d.server.Broadcast("project.status-changed", toProjectInfo(p))
	return toProjectInfo(p), nil
}

// persistProjects rewrites the projects section of the config file.
// Best-effort: a failed write is logged, the in-memory state stands.
func (d *Daemon) persistProjects(mutate func([]config.ProjectConfig) []config.ProjectConfig) {
	if d.cfgPath == "" {
		return
	}
	d.mu.Lock()
	d.cfg.Projects = mutate(d.cfg.Projects)
	cfg := d.cfg
	d.mu.Unlock()
	if err := config.Save(d.cfgPath, cfg); err != nil {
		d.log.ErrorErr(log.CatConfig, "persisting projects failed", err)
	}
}

// --- queue ---

func (d *Daemon) handleQueueStatus(_ context.Context, _ json.RawMessage) (any, error) {
	stats := d.sched.Stats()
	var completed, failed, retried int
	for _, c := range stats.Projects {
		completed += c.Completed
		failed += c.Failed
		retried += c.Retried
	}
	return map[string]any{
		"policy":     stats.Policy,
		"paused":     stats.Paused,
		"queued":     stats.Ready,
		"processing": stats.Processing,
		"completed":  completed,
		"failed":     failed,
		"retried":    retried,
	}, nil
}

func (d *Daemon) handleQueuePause(_ context.Context, _ json.RawMessage) (any, error) {
	d.sched.Pause()
	return map[string]string{"status": "paused"}, nil
}

func (d *Daemon) handleQueueResume(_ context.Context, _ json.RawMessage) (any, error) {
	d.sched.Resume()
	return map[string]string{"status": "resumed"}, nil
}

type queueClearArgs struct {
	Status string `json:"status"`
}

func (d *Daemon) handleQueueClear(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[queueClearArgs](args)
	if err != nil {
		return nil, err
	}
	if a.Status != "" && !task.Status(a.Status).IsValid() {
		return nil, protocol.InvalidArgsf("unknown status %q", a.Status)
	}
	count := d.sched.Clear(task.Status(a.Status))
	return map[string]int{"cleared": count}, nil
}

func (d *Daemon) handleQueueStats(_ context.Context, _ json.RawMessage) (any, error) {
	return d.sched.Stats(), nil
}

type enqueueArgs struct {
	ProjectID string     `json:"projectId"`
	IssueID   int64      `json:"issueId"`
	Type      string     `json:"type"`
	Priority  int        `json:"priority"`
	Deadline  *time.Time `json:"deadline"`
}

func (d *Daemon) handleQueueEnqueue(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[enqueueArgs](args)
	if err != nil {
		return nil, err
	}
	p, ok := d.projects.Get(a.ProjectID)
	if !ok {
		return nil, protocol.InvalidArgsf("unknown project %q", a.ProjectID)
	}
	if !p.Enabled {
		return nil, protocol.InvalidArgsf("project %q is stopped", a.ProjectID)
	}
	t, err := task.New(task.Spec{
		ProjectID: a.ProjectID,
		IssueID:   a.IssueID,
		Type:      a.Type,
		Priority:  a.Priority,
		Deadline:  a.Deadline,
	})
	if err != nil {
		return nil, protocol.InvalidArgsf("%v", err)
	}
	if err := d.sched.Enqueue(t); err != nil {
		return nil, err
	}
	d.metrics.Inc(metrics.TasksEnqueued)
	_ = d.projects.Update(a.ProjectID, func(p *project.Project) { p.LastActivity = time.Now() })
	return *t, nil
}

type getNextTaskArgs struct {
	ProcessID string `json:"processId"`
	OSPid     int    `json:"osPid"`
}

func (d *Daemon) handleGetNextTask(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[getNextTaskArgs](args)
	if err != nil {
		return nil, err
	}
	if a.ProcessID == "" {
		return nil, protocol.InvalidArgsf("processId is required")
	}
	assignment, err := d.acquireNext(ctx, a.ProcessID, a.OSPid)
	if errors.Is(err, scheduler.ErrEmpty) || errors.Is(err, scheduler.ErrPaused) {
		return map[string]any{"found": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"found": true, "assignment": assignment}, nil
}

// --- workers ---

func (d *Daemon) handleWorkerStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return d.pool.Snapshot(), nil
}

type workerScaleArgs struct {
	Count    *int   `json:"count"`
	WorkerID string `json:"workerId"`
}

func (d *Daemon) handleWorkerScale(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[workerScaleArgs](args)
	if err != nil {
		return nil, err
	}
	if a.Count == nil {
		return nil, protocol.InvalidArgsf("count is required")
	}
	return d.pool.Scale(*a.Count), nil
}

func (d *Daemon) handleWorkerRestart(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[workerScaleArgs](args)
	if err != nil {
		return nil, err
	}
	snapshot, err := d.pool.Restart(a.WorkerID)
	if err != nil {
		return nil, protocol.InvalidArgsf("%v", err)
	}
	return snapshot, nil
}

// --- tasks ---

type taskListArgs struct {
	Status    string `json:"status"`
	ProjectID string `json:"projectId"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

const defaultTaskListLimit = 100

func (d *Daemon) handleTaskList(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[taskListArgs](args)
	if err != nil {
		return nil, err
	}
	status := task.Status(a.Status)
	if a.Status != "" && !status.IsValid() {
		return nil, protocol.InvalidArgsf("unknown status %q", a.Status)
	}

	// Terminal statuses live in the archive; queued and processing in the
	// scheduler. Without a filter both sources contribute.
	var out []task.Task
	if a.Status == "" || !status.IsTerminal() {
		for _, t := range d.sched.Tasks() {
			if a.Status != "" && t.Status != status {
				continue
			}
			if a.ProjectID != "" && t.ProjectID != a.ProjectID {
				continue
			}
			out = append(out, t)
		}
	}
	limit := a.Limit
	if limit <= 0 {
		limit = defaultTaskListLimit
	}
	if a.Status == "" || status.IsTerminal() {
		// Offset and limit page the merged view, so the archive must
		// over-fetch by the offset: otherwise paging past the live tasks
		// would skip archived rows the archive never returned.
		archived, err := d.arch.List(ctx, archive.Query{
			ProjectID: a.ProjectID,
			Status:    status,
			Limit:     a.Offset + limit,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range archived {
			out = append(out, *t)
		}
	}
	if a.Offset >= len(out) {
		out = nil
	} else {
		out = out[a.Offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []task.Task{}
	}
	return out, nil
}

type taskArgs struct {
	TaskID    string            `json:"taskId"`
	ProcessID string            `json:"processId"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata"`
}

func (d *Daemon) handleTaskStatus(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[taskArgs](args)
	if err != nil {
		return nil, err
	}
	if t, ok := d.sched.Get(a.TaskID); ok {
		return t, nil
	}
	t, err := d.arch.Get(ctx, a.TaskID)
	if err != nil {
		return nil, protocol.InvalidArgsf("unknown task %q", a.TaskID)
	}
	return *t, nil
}

func (d *Daemon) handleTaskCancel(_ context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[taskArgs](args)
	if err != nil {
		return nil, err
	}
	t, err := d.sched.Cancel(a.TaskID)
	if err != nil {
		return nil, protocol.InvalidArgsf("%v", err)
	}
	d.archiveTask(t)
	return *t, nil
}

func (d *Daemon) handleTaskRetry(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[taskArgs](args)
	if err != nil {
		return nil, err
	}
	old, err := d.arch.Get(ctx, a.TaskID)
	if err != nil {
		return nil, protocol.InvalidArgsf("unknown task %q", a.TaskID)
	}
	if old.Status != task.StatusFailed && old.Status != task.StatusCancelled {
		return nil, protocol.InvalidArgsf("task %q is %s, only failed or cancelled tasks retry", a.TaskID, old.Status)
	}
	t, err := task.New(task.Spec{
		ProjectID: old.ProjectID,
		IssueID:   old.IssueID,
		Type:      old.Type,
		Priority:  old.Priority,
		Deadline:  old.Deadline,
	})
	if err != nil {
		return nil, protocol.InvalidArgsf("%v", err)
	}
	if err := d.sched.Enqueue(t); err != nil {
		return nil, err
	}
	d.metrics.Inc(metrics.TasksEnqueued)
	return *t, nil
}

func (d *Daemon) handleTaskComplete(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[taskArgs](args)
	if err != nil {
		return nil, err
	}
	if a.ProcessID == "" {
		return nil, protocol.InvalidArgsf("processId is required")
	}
	t, err := d.completeTask(ctx, a.TaskID, a.ProcessID, a.Metadata)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Daemon) handleTaskFail(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decodeArgs[taskArgs](args)
	if err != nil {
		return nil, err
	}
	if a.ProcessID == "" {
		return nil, protocol.InvalidArgsf("processId is required")
	}
	t, retried, err := d.failTask(ctx, a.TaskID, a.ProcessID, a.Reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": t, "retried": retried}, nil
}

// --- health and metrics ---

func (d *Daemon) handleHealthCheck(ctx context.Context, _ json.RawMessage) (any, error) {
	return d.health(ctx), nil
}

func (d *Daemon) handleMetricsGet(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"daemon":        d.metrics.Snapshot(),
		"resources":     d.res.Snapshot(),
		"borrowHistory": d.res.History(),
		"queue":         d.sched.Stats(),
	}, nil
}
