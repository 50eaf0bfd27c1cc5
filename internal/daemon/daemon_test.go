package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppo/internal/config"
	"github.com/poppobuilder/poppo/internal/protocol"
	"github.com/poppobuilder/poppo/internal/scheduler"
	"github.com/poppobuilder/poppo/internal/store"
	"github.com/poppobuilder/poppo/internal/task"
)

// testConfig builds a config with tickers disabled so tests drive every
// transition themselves.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Daemon.StateDir = dir
	cfg.Daemon.SocketPath = filepath.Join(dir, "d.sock")
	cfg.Daemon.HeartbeatInterval = 0
	cfg.Daemon.OrphanSweep = 0
	cfg.Daemon.ReallocateInterval = 0
	cfg.Daemon.AutosaveInterval = 0
	cfg.Daemon.DeadlockInterval = 0
	cfg.Daemon.ShutdownGrace = time.Second
	cfg.Scheduler.Policy = "fifo"
	cfg.Scheduler.StatePath = filepath.Join(dir, "queue-state.json")
	cfg.Scheduler.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.Archive.Path = ":memory:"
	cfg.Projects = []config.ProjectConfig{{
		ID: "p1", Name: "Project One", Weight: 1,
		Quota: config.QuotaConfig{CPU: "2.0", Memory: "1Gi", MaxConcurrent: 2},
	}}
	return cfg
}

type testDaemon struct {
	d      *Daemon
	cli    *protocol.Client
	runErr chan error
}

func startDaemon(t *testing.T, cfg config.Config, cfgPath string) *testDaemon {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	d, err := New(cfg, cfgPath, "test", WithStore(st))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx); close(runErr) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop in time")
		}
	})

	cli := dialDaemon(t, cfg.Daemon.SocketPath, cfg.Daemon.AuthToken)
	return &testDaemon{d: d, cli: cli, runErr: runErr}
}

func dialDaemon(t *testing.T, path, token string) *protocol.Client {
	t.Helper()
	var cli *protocol.Client
	require.Eventually(t, func() bool {
		conn, err := protocol.DialPath(path)
		if err != nil {
			return false
		}
		c, err := protocol.NewClient(conn, protocol.ClientConfig{
			Token:          token,
			RequestTimeout: 5 * time.Second,
		})
		if err != nil {
			return false
		}
		cli = c
		return true
	}, 5*time.Second, 50*time.Millisecond, "daemon socket never came up")
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func call[T any](t *testing.T, cli *protocol.Client, cmd string, args any) T {
	t.Helper()
	raw, err := cli.Call(context.Background(), cmd, args)
	require.NoError(t, err, "command %s", cmd)
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), "decoding %s result", cmd)
	return v
}

type nextTaskResp struct {
	Found      bool        `json:"found"`
	Assignment *Assignment `json:"assignment"`
}

func enqueue(t *testing.T, cli *protocol.Client, projectID string, issueID int64) task.Task {
	t.Helper()
	return call[task.Task](t, cli, "queue.enqueue", map[string]any{
		"projectId": projectID,
		"issueId":   issueID,
		"type":      "build",
		"priority":  50,
	})
}

func TestDaemonStatus(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")

	status := call[map[string]any](t, td.cli, "daemon.status", nil)
	assert.Equal(t, "test", status["version"])
	assert.Equal(t, td.d.ProcessID(), status["processId"])
	health := status["health"].(map[string]any)
	assert.Equal(t, "ok", health["status"])
}

func TestTaskLifecycleOverSocket(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")
	cli := td.cli

	created := enqueue(t, cli, "p1", 101)
	require.Equal(t, task.StatusQueued, created.Status)

	next := call[nextTaskResp](t, cli, "queue.get-next-task", map[string]any{
		"processId": "ext-worker-1", "osPid": 4242,
	})
	require.True(t, next.Found)
	require.NotNil(t, next.Assignment)
	assert.Equal(t, created.ID, next.Assignment.Task.ID)
	assert.Equal(t, int64(101), next.Assignment.Ownership.IssueID)
	assert.Greater(t, next.Assignment.Grant.CPU, 0.0)

	done := call[task.Task](t, cli, "task.complete", map[string]any{
		"taskId": created.ID, "processId": "ext-worker-1",
		"metadata": map[string]string{"output": "ok"},
	})
	assert.Equal(t, task.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	qs := call[map[string]any](t, cli, "queue.status", nil)
	assert.EqualValues(t, 1, qs["completed"])
	assert.EqualValues(t, 0, qs["processing"])

	// Terminal tasks come back from the archive.
	archived := call[task.Task](t, cli, "task.status", map[string]any{"taskId": created.ID})
	assert.Equal(t, task.StatusCompleted, archived.Status)
}

func TestGetNextTaskEmptyAndPaused(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")
	cli := td.cli

	next := call[nextTaskResp](t, cli, "queue.get-next-task", map[string]any{"processId": "w1"})
	assert.False(t, next.Found)

	enqueue(t, cli, "p1", 5)
	call[map[string]string](t, cli, "queue.pause", nil)
	next = call[nextTaskResp](t, cli, "queue.get-next-task", map[string]any{"processId": "w1"})
	assert.False(t, next.Found, "paused queue must not hand out tasks")

	call[map[string]string](t, cli, "queue.resume", nil)
	next = call[nextTaskResp](t, cli, "queue.get-next-task", map[string]any{"processId": "w1"})
	assert.True(t, next.Found)
}

func TestTaskFailRetryThenTerminal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.MaxRetries = 1
	td := startDaemon(t, cfg, "")
	cli := td.cli

	created := enqueue(t, cli, "p1", 7)

	next := call[nextTaskResp](t, cli, "queue.get-next-task", map[string]any{"processId": "w1"})
	require.True(t, next.Found)

	type failResp struct {
		Task    task.Task `json:"task"`
		Retried bool      `json:"retried"`
	}
	fr := call[failResp](t, cli, "task.fail", map[string]any{
		"taskId": created.ID, "processId": "w1", "reason": "boom",
	})
	assert.True(t, fr.Retried)
	assert.Equal(t, task.StatusQueued, fr.Task.Status)

	next = call[nextTaskResp](t, cli, "queue.get-next-task", map[string]any{"processId": "w1"})
	require.True(t, next.Found)
	assert.Equal(t, created.ID, next.Assignment.Task.ID)

	fr = call[failResp](t, cli, "task.fail", map[string]any{
		"taskId": created.ID, "processId": "w1", "reason": "boom again",
	})
	assert.False(t, fr.Retried)
	assert.Equal(t, task.StatusFailed, fr.Task.Status)

	archived := call[task.Task](t, cli, "task.status", map[string]any{"taskId": created.ID})
	assert.Equal(t, task.StatusFailed, archived.Status)
	assert.Equal(t, "boom again", archived.LastError)

	// task.retry clones the archived task into a fresh queued one.
	fresh := call[task.Task](t, cli, "task.retry", map[string]any{"taskId": created.ID})
	assert.NotEqual(t, created.ID, fresh.ID)
	assert.Equal(t, task.StatusQueued, fresh.Status)
	assert.Equal(t, int64(7), fresh.IssueID)
	assert.Zero(t, fresh.Retries)
}

func TestQueueClear(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")
	cli := td.cli

	enqueue(t, cli, "p1", 1)
	enqueue(t, cli, "p1", 2)

	cleared := call[map[string]int](t, cli, "queue.clear", nil)
	assert.Equal(t, 2, cleared["cleared"])

	qs := call[map[string]any](t, cli, "queue.status", nil)
	assert.EqualValues(t, 0, qs["queued"])
}

func TestProjectCommands(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")
	cli := td.cli

	added := call[projectInfo](t, cli, "project.add", map[string]any{
		"projectId": "p2", "name": "Second", "weight": 2.0,
		"quota": map[string]any{"cpu": "1.0", "memory": "512Mi", "maxConcurrent": 1},
	})
	assert.Equal(t, "p2", added.ID)
	assert.True(t, added.Enabled)

	list := call[[]projectInfo](t, cli, "project.list", nil)
	assert.Len(t, list, 2)

	enqueue(t, cli, "p2", 11)

	// Stopped projects refuse new work.
	call[projectInfo](t, cli, "project.stop", map[string]any{"projectId": "p2"})
	_, err := cli.Call(context.Background(), "queue.enqueue", map[string]any{
		"projectId": "p2", "issueId": 12, "type": "build", "priority": 50,
	})
	require.Error(t, err)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "InvalidArgs", remote.Code)

	started := call[projectInfo](t, cli, "project.start", map[string]any{"projectId": "p2"})
	assert.True(t, started.Enabled)
	enqueue(t, cli, "p2", 12)

	// Removal is refused while tasks still reference the project.
	_, err = cli.Call(context.Background(), "project.remove", map[string]any{"projectId": "p2"})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "ConflictError", remote.Code)

	// p2 allows one concurrent task, so drain and complete one at a time.
	for i := 0; i < 2; i++ {
		taskID := drainNext(t, cli)
		call[task.Task](t, cli, "task.complete", map[string]any{"taskId": taskID, "processId": "w1"})
	}

	call[map[string]string](t, cli, "project.remove", map[string]any{"projectId": "p2"})
	list = call[[]projectInfo](t, cli, "project.list", nil)
	assert.Len(t, list, 1)
}

// drainNext pulls one task off the queue for worker w1.
func drainNext(t *testing.T, cli *protocol.Client) string {
	t.Helper()
	next := call[nextTaskResp](t, cli, "queue.get-next-task", map[string]any{"processId": "w1"})
	require.True(t, next.Found)
	return next.Assignment.Task.ID
}

func TestProjectRemoveRefusedWhileTasksQueued(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")
	cli := td.cli

	created := enqueue(t, cli, "p1", 31)

	// A queued task keeps the project alive: removing it would leave the
	// task un-allocatable at the head of the queue.
	_, err := cli.Call(context.Background(), "project.remove", map[string]any{"projectId": "p1"})
	require.Error(t, err)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "ConflictError", remote.Code)

	// The queue still hands the task out and allocation still succeeds.
	next := call[nextTaskResp](t, cli, "queue.get-next-task", map[string]any{"processId": "w1"})
	require.True(t, next.Found)
	assert.Equal(t, created.ID, next.Assignment.Task.ID)

	// A processing task blocks removal the same way.
	_, err = cli.Call(context.Background(), "project.remove", map[string]any{"projectId": "p1"})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "ConflictError", remote.Code)

	call[task.Task](t, cli, "task.complete", map[string]any{"taskId": created.ID, "processId": "w1"})
	call[map[string]string](t, cli, "project.remove", map[string]any{"projectId": "p1"})
	list := call[[]projectInfo](t, cli, "project.list", nil)
	assert.Empty(t, list)
}

func TestWorkerScale(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")
	cli := td.cli

	scaled := call[[]WorkerInfo](t, cli, "worker.scale", map[string]any{"count": 2})
	assert.Len(t, scaled, 2)

	status := call[[]WorkerInfo](t, cli, "worker.status", nil)
	assert.Len(t, status, 2)

	scaled = call[[]WorkerInfo](t, cli, "worker.scale", map[string]any{"count": 0})
	assert.Empty(t, scaled)
}

func TestAuthToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.AuthToken = "secret"
	td := startDaemon(t, cfg, "")

	// The pre-dialed client authenticated with the right token.
	status := call[map[string]any](t, td.cli, "daemon.status", nil)
	assert.Equal(t, "test", status["version"])

	conn, err := protocol.DialPath(cfg.Daemon.SocketPath)
	require.NoError(t, err)
	_, err = protocol.NewClient(conn, protocol.ClientConfig{Token: "wrong"})
	require.ErrorIs(t, err, protocol.ErrAuthRequired)
}

func TestUnknownCommand(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")

	_, err := td.cli.Call(context.Background(), "no.such.command", nil)
	require.Error(t, err)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "UnknownCommand", remote.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")
	cli := td.cli

	health := call[map[string]any](t, cli, "health.check", nil)
	assert.Equal(t, "ok", health["status"])

	enqueue(t, cli, "p1", 21)
	next := call[nextTaskResp](t, cli, "queue.get-next-task", map[string]any{"processId": "w1"})
	require.True(t, next.Found)
	call[task.Task](t, cli, "task.complete", map[string]any{
		"taskId": next.Assignment.Task.ID, "processId": "w1",
	})

	type metricsResp struct {
		Daemon struct {
			Counters map[string]int64 `json:"counters"`
		} `json:"daemon"`
		Queue scheduler.Stats `json:"queue"`
	}
	// The completed counter updates through the event fan-out.
	require.Eventually(t, func() bool {
		m := call[metricsResp](t, cli, "metrics.get", nil)
		return m.Daemon.Counters["tasks.enqueued"] >= 1 &&
			m.Daemon.Counters["tasks.completed"] >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReloadPolicyOverSocket(t *testing.T) {
	cfg := testConfig(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.Save(cfgPath, cfg))

	td := startDaemon(t, cfg, cfgPath)
	cli := td.cli

	cfg.Scheduler.Policy = "priority"
	require.NoError(t, config.Save(cfgPath, cfg))
	call[map[string]string](t, cli, "daemon.reload", nil)

	stats := call[scheduler.Stats](t, cli, "queue.stats", nil)
	assert.Equal(t, "priority", string(stats.Policy))
}

func TestTaskListPagingSpansArchive(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")
	cli := td.cli

	for i := int64(1); i <= 4; i++ {
		enqueue(t, cli, "p1", i)
	}
	// Complete the first two; they move to the archive.
	for i := 0; i < 2; i++ {
		taskID := drainNext(t, cli)
		call[task.Task](t, cli, "task.complete", map[string]any{"taskId": taskID, "processId": "w1"})
	}

	all := call[[]task.Task](t, cli, "task.list", nil)
	require.Len(t, all, 4)

	// Offset and limit page one merged view, live tasks first, so paging
	// past the live set reaches the archived rows.
	page := call[[]task.Task](t, cli, "task.list", map[string]any{"offset": 2, "limit": 2})
	require.Len(t, page, 2)
	for _, got := range page {
		assert.Equal(t, task.StatusCompleted, got.Status)
	}

	page = call[[]task.Task](t, cli, "task.list", map[string]any{"offset": 0, "limit": 2})
	require.Len(t, page, 2)
	for _, got := range page {
		assert.Equal(t, task.StatusQueued, got.Status)
	}

	page = call[[]task.Task](t, cli, "task.list", map[string]any{"offset": 4, "limit": 2})
	assert.Empty(t, page)
}

func TestDaemonStopCommand(t *testing.T) {
	td := startDaemon(t, testConfig(t), "")

	resp := call[map[string]string](t, td.cli, "daemon.stop", nil)
	assert.Equal(t, "shutdown scheduled", resp["status"])

	select {
	case err := <-td.runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after daemon.stop")
	}
}
