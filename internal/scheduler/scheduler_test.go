package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/poppobuilder/poppo/internal/task"
)

var testEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// newTask builds a queued task with a deterministic arrival offset so
// FIFO tie-breaks are stable under test.
func newTask(t *testing.T, project string, prio int, arrivalOffset time.Duration) *task.Task {
	t.Helper()
	tk, err := task.New(task.Spec{
		ProjectID: project,
		IssueID:   1,
		Type:      "issue",
		Priority:  prio,
	})
	require.NoError(t, err)
	tk.EnqueuedAt = testEpoch.Add(arrivalOffset)
	return tk
}

func TestScheduler_FIFO(t *testing.T) {
	s := New(Config{Policy: PolicyFIFO})
	second := newTask(t, "p1", 10, 2*time.Second)
	first := newTask(t, "p2", 1, time.Second)
	require.NoError(t, s.Enqueue(second))
	require.NoError(t, s.Enqueue(first))

	got, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, task.StatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)

	got, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.Next()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestScheduler_PriorityWithFIFOTieBreak(t *testing.T) {
	s := New(Config{Policy: PolicyPriority})
	low := newTask(t, "p1", 10, time.Second)
	highLate := newTask(t, "p1", 90, 3*time.Second)
	highEarly := newTask(t, "p1", 90, 2*time.Second)
	require.NoError(t, s.Enqueue(low))
	require.NoError(t, s.Enqueue(highLate))
	require.NoError(t, s.Enqueue(highEarly))

	order := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		got, err := s.Next()
		require.NoError(t, err)
		order = append(order, got.ID)
	}
	assert.Equal(t, []string{highEarly.ID, highLate.ID, low.ID}, order)
}

func TestScheduler_RoundRobinCyclesProjects(t *testing.T) {
	s := New(Config{Policy: PolicyRoundRobin})
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Enqueue(newTask(t, "a", 0, time.Duration(i)*time.Second)))
		require.NoError(t, s.Enqueue(newTask(t, "b", 0, time.Duration(i)*time.Second)))
		require.NoError(t, s.Enqueue(newTask(t, "c", 0, time.Duration(i)*time.Second)))
	}

	var projects []string
	for i := 0; i < 6; i++ {
		got, err := s.Next()
		require.NoError(t, err)
		projects = append(projects, got.ProjectID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, projects)
}

func TestScheduler_RoundRobinSkipsEmptyProjects(t *testing.T) {
	s := New(Config{Policy: PolicyRoundRobin})
	require.NoError(t, s.Enqueue(newTask(t, "a", 0, time.Second)))
	require.NoError(t, s.Enqueue(newTask(t, "c", 0, time.Second)))

	got, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", got.ProjectID)
	got, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "c", got.ProjectID)
}

// Projects p1 weight 3 and p2 weight 1, 100 tasks enqueued alternating.
// After 80 selections p1 accounts for 60 +/- 1 and p2 for 20 +/- 1.
func TestScheduler_WeightedFairShares(t *testing.T) {
	s := New(Config{Policy: PolicyWeightedFair})
	s.SetProjectWeight("p1", 3)
	s.SetProjectWeight("p2", 1)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Enqueue(newTask(t, "p1", 0, time.Duration(2*i)*time.Millisecond)))
		require.NoError(t, s.Enqueue(newTask(t, "p2", 0, time.Duration(2*i+1)*time.Millisecond)))
	}

	counts := map[string]int{}
	for i := 0; i < 80; i++ {
		got, err := s.Next()
		require.NoError(t, err)
		counts[got.ProjectID]++
	}
	assert.InDelta(t, 60, counts["p1"], 1)
	assert.InDelta(t, 20, counts["p2"], 1)
}

// Property: with two backlogged projects the weighted-fair share of each
// stays within one selection of N * w / (w1 + w2).
func TestScheduler_WeightedFairProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w1 := rapid.IntRange(1, 8).Draw(rt, "w1")
		w2 := rapid.IntRange(1, 8).Draw(rt, "w2")
		cycles := rapid.IntRange(1, 20).Draw(rt, "cycles")
		n := (w1 + w2) * cycles

		s := New(Config{Policy: PolicyWeightedFair})
		s.SetProjectWeight("p1", float64(w1))
		s.SetProjectWeight("p2", float64(w2))

		for i := 0; i < n; i++ {
			tk, err := task.New(task.Spec{ProjectID: "p1", IssueID: 1, Type: "issue"})
			if err != nil {
				rt.Fatal(err)
			}
			tk.EnqueuedAt = testEpoch.Add(time.Duration(2*i) * time.Millisecond)
			if err := s.Enqueue(tk); err != nil {
				rt.Fatal(err)
			}
			tk2, err := task.New(task.Spec{ProjectID: "p2", IssueID: 1, Type: "issue"})
			if err != nil {
				rt.Fatal(err)
			}
			tk2.EnqueuedAt = testEpoch.Add(time.Duration(2*i+1) * time.Millisecond)
			if err := s.Enqueue(tk2); err != nil {
				rt.Fatal(err)
			}
		}

		counts := map[string]int{}
		for i := 0; i < n; i++ {
			got, err := s.Next()
			if err != nil {
				rt.Fatal(err)
			}
			counts[got.ProjectID]++
		}

		expected := float64(n) * float64(w1) / float64(w1+w2)
		if diff := float64(counts["p1"]) - expected; diff > 1 || diff < -1 {
			rt.Fatalf("p1 selected %d times, expected %.1f +/- 1 (w1=%d w2=%d n=%d)",
				counts["p1"], expected, w1, w2, n)
		}
	})
}

func TestScheduler_DeadlinePrefersNearestWithinHorizon(t *testing.T) {
	s := New(Config{Policy: PolicyDeadline})

	soon := time.Now().Add(2 * time.Hour)
	sooner := time.Now().Add(1 * time.Hour)
	far := time.Now().Add(72 * time.Hour)

	tSoon := newTask(t, "p1", 5, time.Second)
	tSoon.Deadline = &soon
	tSooner := newTask(t, "p1", 1, 2*time.Second)
	tSooner.Deadline = &sooner
	tFar := newTask(t, "p1", 99, 3*time.Second)
	tFar.Deadline = &far

	require.NoError(t, s.Enqueue(tSoon))
	require.NoError(t, s.Enqueue(tSooner))
	require.NoError(t, s.Enqueue(tFar))

	got, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, tSooner.ID, got.ID, "nearest deadline inside 24h wins")

	got, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, tSoon.ID, got.ID)

	// Only the far deadline remains; it is outside the horizon so the
	// priority rule applies.
	got, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, tFar.ID, got.ID)
}

func TestScheduler_DeadlineFallsBackToPriority(t *testing.T) {
	s := New(Config{Policy: PolicyDeadline})
	low := newTask(t, "p1", 10, time.Second)
	high := newTask(t, "p1", 90, 2*time.Second)
	require.NoError(t, s.Enqueue(low))
	require.NoError(t, s.Enqueue(high))

	got, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, high.ID, got.ID)
}

func TestScheduler_CompleteAndStats(t *testing.T) {
	s := New(Config{})
	tk := newTask(t, "p1", 0, time.Second)
	require.NoError(t, s.Enqueue(tk))

	got, err := s.Next()
	require.NoError(t, err)

	done, err := s.Complete(got.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	stats := s.Stats()
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 1, stats.Projects["p1"].Completed)

	_, err = s.Complete(got.ID)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestScheduler_FailRetriesThenGoesTerminal(t *testing.T) {
	s := New(Config{MaxRetries: 3})
	tk := newTask(t, "p1", 0, time.Second)
	arrival := tk.EnqueuedAt
	require.NoError(t, s.Enqueue(tk))

	for attempt := 1; attempt < 3; attempt++ {
		got, err := s.Next()
		require.NoError(t, err)
		failed, retried, err := s.Fail(got.ID, "worker crashed")
		require.NoError(t, err)
		assert.True(t, retried, "attempt %d should retry", attempt)
		assert.Equal(t, task.StatusQueued, failed.Status)
		assert.Equal(t, attempt, failed.Retries)
		assert.Equal(t, arrival, failed.EnqueuedAt, "arrival timestamp preserved on retry")
	}

	got, err := s.Next()
	require.NoError(t, err)
	failed, retried, err := s.Fail(got.ID, "worker crashed")
	require.NoError(t, err)
	assert.False(t, retried)
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, "worker crashed", failed.LastError)

	stats := s.Stats()
	assert.Equal(t, 1, stats.Projects["p1"].Failed)
	assert.Equal(t, 2, stats.Projects["p1"].Retried)
	_, err = s.Next()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestScheduler_RequeueReturnsToHead(t *testing.T) {
	s := New(Config{Policy: PolicyFIFO})
	first := newTask(t, "p1", 0, time.Second)
	second := newTask(t, "p1", 0, 2*time.Second)
	require.NoError(t, s.Enqueue(first))
	require.NoError(t, s.Enqueue(second))

	got, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)

	// Allocation failed downstream: the task goes back to the head.
	require.NoError(t, s.Requeue(got.ID))
	assert.Equal(t, task.StatusQueued, first.Status)

	got, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	assert.ErrorIs(t, s.Requeue("nope"), ErrUnknownTask)
}

func TestScheduler_PauseResume(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.Enqueue(newTask(t, "p1", 0, time.Second)))

	s.Pause()
	assert.True(t, s.Paused())
	_, err := s.Next()
	assert.ErrorIs(t, err, ErrPaused)

	// Enqueue still accepts while paused.
	require.NoError(t, s.Enqueue(newTask(t, "p1", 0, 2*time.Second)))

	s.Resume()
	got, err := s.Next()
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestScheduler_Clear(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, 0, s.Clear(""), "clearing an empty queue")

	require.NoError(t, s.Enqueue(newTask(t, "p1", 0, time.Second)))
	require.NoError(t, s.Enqueue(newTask(t, "p2", 0, 2*time.Second)))
	assert.Equal(t, 2, s.Clear(task.StatusQueued))
	assert.Equal(t, 0, s.Stats().Ready)

	require.NoError(t, s.Enqueue(newTask(t, "p1", 0, 3*time.Second)))
	assert.Equal(t, 0, s.Clear(task.StatusFailed), "filter matches nothing")
	assert.Equal(t, 1, s.Stats().Ready)
}

func TestScheduler_Cancel(t *testing.T) {
	s := New(Config{})
	tk := newTask(t, "p1", 0, time.Second)
	require.NoError(t, s.Enqueue(tk))

	cancelled, err := s.Cancel(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, cancelled.Status)
	_, err = s.Next()
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = s.Cancel("nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestScheduler_EnqueueRejectsNonQueued(t *testing.T) {
	s := New(Config{})
	tk := newTask(t, "p1", 0, time.Second)
	require.NoError(t, tk.TransitionTo(task.StatusProcessing))
	err := s.Enqueue(tk)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestParsePolicy(t *testing.T) {
	for _, valid := range []string{"fifo", "priority", "round-robin", "weighted-fair", "deadline"} {
		t.Run(valid, func(t *testing.T) {
			p, err := ParsePolicy(valid)
			require.NoError(t, err)
			assert.Equal(t, Policy(valid), p)
		})
	}
	_, err := ParsePolicy("lifo")
	assert.Error(t, err)
}

func TestScheduler_GetAndTasks(t *testing.T) {
	s := New(Config{})
	var ids []string
	for i := 0; i < 3; i++ {
		tk := newTask(t, fmt.Sprintf("p%d", i), 0, time.Duration(i)*time.Second)
		require.NoError(t, s.Enqueue(tk))
		ids = append(ids, tk.ID)
	}
	_, err := s.Next()
	require.NoError(t, err)

	assert.Len(t, s.Tasks(), 3)

	got, ok := s.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, task.StatusProcessing, got.Status)

	_, ok = s.Get("nope")
	assert.False(t, ok)
}
