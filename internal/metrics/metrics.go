// Package metrics collects daemon counters and gauges for the
// metrics.get command. Everything is in-memory; snapshots are copy-out.
package metrics

import (
	"sync"
	"time"
)

// Counter names used across the daemon.
const (
	TasksEnqueued    = "tasks.enqueued"
	TasksCompleted   = "tasks.completed"
	TasksFailed      = "tasks.failed"
	TasksRetried     = "tasks.retried"
	OrphansRepaired  = "orphans.repaired"
	DeadlocksBroken  = "deadlocks.broken"
	CheckoutConflict = "checkout.conflicts"
	Reallocations    = "quota.reallocations"
)

// Registry accumulates counters, gauges and duration series.
type Registry struct {
	mu        sync.Mutex
	startedAt time.Time
	counters  map[string]int64
	gauges    map[string]float64
	durations map[string]*durationSeries
}

type durationSeries struct {
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

// NewRegistry creates an empty registry stamped with the start time.
func NewRegistry() *Registry {
	return &Registry{
		startedAt: time.Now(),
		counters:  make(map[string]int64),
		gauges:    make(map[string]float64),
		durations: make(map[string]*durationSeries),
	}
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string) { r.Add(name, 1) }

// Add adds delta to a counter.
func (r *Registry) Add(name string, delta int64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// SetGauge records the current value of a gauge.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// Observe records one duration sample, e.g. a task's run time keyed by
// its type.
func (r *Registry) Observe(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.durations[name]
	if !ok {
		s = &durationSeries{min: d, max: d}
		r.durations[name] = s
	}
	s.count++
	s.total += d
	if d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
}

// DurationStats is the copy-out view of one duration series.
type DurationStats struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot is the copy-out view of the registry.
type Snapshot struct {
	Uptime    time.Duration            `json:"uptime"`
	Counters  map[string]int64         `json:"counters"`
	Gauges    map[string]float64       `json:"gauges"`
	Durations map[string]DurationStats `json:"durations"`
}

// Snapshot returns the current metric values.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Uptime:    time.Since(r.startedAt),
		Counters:  make(map[string]int64, len(r.counters)),
		Gauges:    make(map[string]float64, len(r.gauges)),
		Durations: make(map[string]DurationStats, len(r.durations)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	for k, s := range r.durations {
		avg := time.Duration(0)
		if s.count > 0 {
			avg = s.total / time.Duration(s.count)
		}
		snap.Durations[k] = DurationStats{Count: s.count, Total: s.total, Min: s.min, Max: s.max, Avg: avg}
	}
	return snap
}

// Counter returns one counter's current value.
func (r *Registry) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}
