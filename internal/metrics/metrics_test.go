package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()
	r.Inc(TasksEnqueued)
	r.Inc(TasksEnqueued)
	r.Add(TasksCompleted, 3)

	assert.Equal(t, int64(2), r.Counter(TasksEnqueued))
	assert.Equal(t, int64(3), r.Counter(TasksCompleted))
	assert.Equal(t, int64(0), r.Counter(TasksFailed))
}

func TestRegistry_Gauges(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("cpu.used", 2.5)
	r.SetGauge("cpu.used", 3.0)

	snap := r.Snapshot()
	assert.Equal(t, 3.0, snap.Gauges["cpu.used"])
}

func TestRegistry_Durations(t *testing.T) {
	r := NewRegistry()
	r.Observe("task.issue", 100*time.Millisecond)
	r.Observe("task.issue", 300*time.Millisecond)
	r.Observe("task.issue", 200*time.Millisecond)

	snap := r.Snapshot()
	got := snap.Durations["task.issue"]
	assert.Equal(t, int64(3), got.Count)
	assert.Equal(t, 600*time.Millisecond, got.Total)
	assert.Equal(t, 100*time.Millisecond, got.Min)
	assert.Equal(t, 300*time.Millisecond, got.Max)
	assert.Equal(t, 200*time.Millisecond, got.Avg)
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Inc(TasksEnqueued)

	snap := r.Snapshot()
	snap.Counters[TasksEnqueued] = 99

	assert.Equal(t, int64(1), r.Counter(TasksEnqueued))
	assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Inc(TasksCompleted)
				r.Observe("task.issue", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, int64(800), snap.Counters[TasksCompleted])
	assert.Equal(t, int64(800), snap.Durations["task.issue"].Count)
}
