package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/poppobuilder/poppo/internal/log"
	"github.com/poppobuilder/poppo/internal/task"
)

// DefaultSnapshotKeep is how many rotating snapshots are retained.
const DefaultSnapshotKeep = 24

// queueState is the durable queue file layout.
type queueState struct {
	Queue        []*task.Task             `json:"queue"`
	Processing   map[string]*task.Task    `json:"processing"`
	ProjectStats map[string]ProjectCounts `json:"projectStats"`
	SavedAt      time.Time                `json:"savedAt"`
}

// Save serialises the queue to the state file via temp-file + rename and
// writes a rotating snapshot. No-op when persistence is disabled.
func (s *Scheduler) Save() error {
	if s.cfg.StatePath == "" {
		return nil
	}

	s.mu.Lock()
	state := s.stateLocked()
	s.dirty = false
	s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}

	if err := atomicWrite(s.cfg.StatePath, data); err != nil {
		return fmt.Errorf("write queue state: %w", err)
	}

	if s.cfg.SnapshotDir != "" {
		if err := s.writeSnapshot(data, state.SavedAt); err != nil {
			// Snapshot rotation is best-effort; the primary file is saved.
			s.log.ErrorErr(log.CatSched, "snapshot write failed", err)
		}
	}

	s.log.Debug(log.CatSched, "queue persisted",
		"ready", len(state.Queue), "processing", len(state.Processing))
	return nil
}

// SaveIfDirty persists only when state changed since the last save.
// The daemon calls this on its autosave tick.
func (s *Scheduler) SaveIfDirty() error {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	return s.Save()
}

// stateLocked builds the serialisable state. Caller holds s.mu.
func (s *Scheduler) stateLocked() queueState {
	state := queueState{
		Queue:        append([]*task.Task(nil), s.ready...),
		Processing:   make(map[string]*task.Task, len(s.processing)),
		ProjectStats: make(map[string]ProjectCounts, len(s.stats)),
		SavedAt:      time.Now(),
	}
	for id, t := range s.processing {
		state.Processing[id] = t
	}
	for id, st := range s.stats {
		state.ProjectStats[id] = ProjectCounts{
			Queued:     st.queued,
			Processing: st.processing,
			Completed:  st.completed,
			Failed:     st.failed,
			Retried:    st.retried,
			Weight:     st.weight,
		}
	}
	return state
}

// Load replays a persisted queue file. Tasks that were in flight at
// shutdown move back to the head of the queue with retries preserved.
// A missing file is a clean first start.
func (s *Scheduler) Load() error {
	if s.cfg.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.cfg.StatePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read queue state: %w", err)
	}
	var state queueState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse queue state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ready = s.ready[:0]
	s.processing = make(map[string]*task.Task)
	s.stats = make(map[string]*projectStat)

	for id, counts := range state.ProjectStats {
		w := counts.Weight
		if w <= 0 {
			w = 1
		}
		s.stats[id] = &projectStat{
			completed: counts.Completed,
			failed:    counts.Failed,
			retried:   counts.Retried,
			weight:    w,
			balance:   w,
		}
	}

	// In-flight tasks are replayed first, then the ready queue in order.
	replayed := make([]*task.Task, 0, len(state.Processing))
	for _, t := range state.Processing {
		t.Status = task.StatusQueued
		t.StartedAt = nil
		replayed = append(replayed, t)
	}
	sort.Slice(replayed, func(i, j int) bool {
		return replayed[i].EnqueuedAt.Before(replayed[j].EnqueuedAt)
	})
	for _, t := range append(replayed, state.Queue...) {
		if t.Status != task.StatusQueued {
			continue
		}
		s.ready = append(s.ready, t)
		s.statFor(t.ProjectID).queued++
	}

	s.log.Info(log.CatSched, "queue loaded", "ready", len(s.ready),
		"replayed", len(replayed), "savedAt", state.SavedAt.Format(time.RFC3339))
	return nil
}

// writeSnapshot drops a timestamped copy in the snapshot dir and prunes
// the oldest beyond the retention count.
func (s *Scheduler) writeSnapshot(data []byte, at time.Time) error {
	if err := os.MkdirAll(s.cfg.SnapshotDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("queue-%s.json", at.UTC().Format("20060102T150405.000000000"))
	if err := os.WriteFile(filepath.Join(s.cfg.SnapshotDir, name), data, 0o644); err != nil {
		return err
	}
	return s.pruneSnapshots()
}

func (s *Scheduler) pruneSnapshots() error {
	entries, err := os.ReadDir(s.cfg.SnapshotDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n := e.Name(); filepath.Ext(n) == ".json" {
			names = append(names, n)
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for len(names) > s.cfg.SnapshotKeep {
		if err := os.Remove(filepath.Join(s.cfg.SnapshotDir, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
