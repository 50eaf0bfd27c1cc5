package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppo/internal/task"
)

func newPersistentScheduler(t *testing.T, keep int) (*Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	s := New(Config{
		StatePath:    filepath.Join(dir, "queue.json"),
		SnapshotDir:  filepath.Join(dir, "snapshots"),
		SnapshotKeep: keep,
	})
	return s, dir
}

func TestScheduler_SaveAndLoadRoundTrip(t *testing.T) {
	s, dir := newPersistentScheduler(t, 24)
	s.SetProjectWeight("p1", 2)

	inflight := newTask(t, "p1", 10, time.Second)
	inflight.Retries = 2
	completed := newTask(t, "p1", 50, 2*time.Second)
	require.NoError(t, s.Enqueue(inflight))
	require.NoError(t, s.Enqueue(completed))

	got, err := s.Next() // FIFO: inflight arrived first, stays in flight
	require.NoError(t, err)
	require.Equal(t, inflight.ID, got.ID)
	got, err = s.Next()
	require.NoError(t, err)
	require.Equal(t, completed.ID, got.ID)
	_, err = s.Complete(completed.ID)
	require.NoError(t, err)

	// Back to one in-flight task.
	require.NoError(t, s.Enqueue(newTask(t, "p2", 0, 3*time.Second)))
	require.NoError(t, s.Save())

	// File layout: {queue, processing, projectStats, savedAt}
	data, err := os.ReadFile(filepath.Join(dir, "queue.json"))
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"queue", "processing", "projectStats", "savedAt"} {
		assert.Contains(t, raw, field)
	}

	fresh := New(Config{StatePath: filepath.Join(dir, "queue.json")})
	require.NoError(t, fresh.Load())

	stats := fresh.Stats()
	assert.Equal(t, 2, stats.Ready, "in-flight task replayed into the queue")
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 1, stats.Projects["p1"].Completed)
	assert.InDelta(t, 2, stats.Projects["p1"].Weight, 1e-9)

	// The replayed in-flight task comes out first with retries preserved.
	got, err = fresh.Next()
	require.NoError(t, err)
	assert.Equal(t, inflight.ID, got.ID)
	assert.Equal(t, 2, got.Retries)
}

func TestScheduler_LoadMissingFileIsCleanStart(t *testing.T) {
	s := New(Config{StatePath: filepath.Join(t.TempDir(), "missing.json")})
	require.NoError(t, s.Load())
	assert.Equal(t, 0, s.Stats().Ready)
}

func TestScheduler_LoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s := New(Config{StatePath: path})
	assert.Error(t, s.Load())
}

func TestScheduler_SaveIfDirty(t *testing.T) {
	s, dir := newPersistentScheduler(t, 24)
	path := filepath.Join(dir, "queue.json")

	// Nothing changed: no file appears.
	require.NoError(t, s.SaveIfDirty())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Enqueue(newTask(t, "p1", 0, time.Second)))
	require.NoError(t, s.SaveIfDirty())
	_, err = os.Stat(path)
	require.NoError(t, err)

	// Saved state clears the dirty flag.
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("sentinel"), 0o644))
	require.NoError(t, s.SaveIfDirty())
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sentinel", string(after))
	_ = before
}

func TestScheduler_SnapshotRotation(t *testing.T) {
	s, dir := newPersistentScheduler(t, 3)
	snapDir := filepath.Join(dir, "snapshots")

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(newTask(t, "p1", 0, time.Duration(i)*time.Second)))
		require.NoError(t, s.Save())
	}

	entries, err := os.ReadDir(snapDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "only the newest snapshots are retained")
}

func TestScheduler_PersistenceDisabled(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.Enqueue(newTask(t, "p1", 0, time.Second)))
	require.NoError(t, s.Save())
	require.NoError(t, s.Load())
}

func TestScheduler_LoadSkipsTerminalQueueEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")

	done := newTask(t, "p1", 0, time.Second)
	require.NoError(t, done.TransitionTo(task.StatusProcessing))
	require.NoError(t, done.TransitionTo(task.StatusCompleted))
	state := queueState{
		Queue:        []*task.Task{done, newTask(t, "p1", 0, 2*time.Second)},
		Processing:   map[string]*task.Task{},
		ProjectStats: map[string]ProjectCounts{},
		SavedAt:      time.Now(),
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s := New(Config{StatePath: path})
	require.NoError(t, s.Load())
	assert.Equal(t, 1, s.Stats().Ready)
}
