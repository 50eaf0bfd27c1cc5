package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gi = int64(1) << 30

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{SystemCPU: 8, SystemMemory: 16 * gi})
	require.NoError(t, err)
	return m
}

func TestParseCPU(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "1500m", want: 1.5},
		{in: "250m", want: 0.25},
		{in: "2", want: 2},
		{in: "0.5", want: 0.5},
		{in: " 1 ", want: 1},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCPU(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "1024", want: 1024},
		{in: "1Ki", want: 1024},
		{in: "512Mi", want: 512 << 20},
		{in: "2Gi", want: 2 << 30},
		{in: "1Ti", want: 1 << 40},
		{in: "1.5Gi", want: int64(1.5 * float64(1<<30))},
		{in: "", wantErr: true},
		{in: "5Xb", wantErr: true},
		{in: "-1Gi", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemory(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManager_AllocateAndRelease(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 2, Memory: 4 * gi, MaxConcurrent: 2})

	grant, err := m.Allocate("p1", "w1", Request{CPU: 1, Memory: gi})
	require.NoError(t, err)
	assert.Equal(t, Grant{CPU: 1, Memory: gi}, grant)

	snap := m.Snapshot()
	assert.InDelta(t, 7, snap.AvailableCPU, 1e-9)
	assert.Equal(t, 15*gi, snap.AvailableMemory)
	assert.InDelta(t, 1, snap.Projects["p1"].UsedCPU, 1e-9)
	assert.Equal(t, []string{"w1"}, snap.Projects["p1"].Active)

	m.Release("w1")
	snap = m.Snapshot()
	assert.InDelta(t, 8, snap.AvailableCPU, 1e-9)
	assert.Zero(t, snap.Projects["p1"].UsedCPU)
	assert.Empty(t, snap.Projects["p1"].Active)

	// Releasing twice is a no-op
	m.Release("w1")
	assert.InDelta(t, 8, m.Snapshot().AvailableCPU, 1e-9)
}

func TestManager_UnknownProjectAndDuplicateProcess(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Allocate("nope", "w1", Request{CPU: 1})
	assert.ErrorIs(t, err, ErrUnknownProject)

	m.SetQuota("p1", Quota{CPU: 2, Memory: 4 * gi, MaxConcurrent: 2})
	_, err = m.Allocate("p1", "w1", Request{CPU: 1, Memory: gi})
	require.NoError(t, err)
	_, err = m.Allocate("p1", "w1", Request{CPU: 1, Memory: gi})
	assert.ErrorIs(t, err, ErrDuplicateProcess)
}

func TestManager_ConcurrentLimit(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 4, Memory: 8 * gi, MaxConcurrent: 1})

	_, err := m.Allocate("p1", "w1", Request{CPU: 1, Memory: gi})
	require.NoError(t, err)

	_, err = m.Allocate("p1", "w2", Request{CPU: 1, Memory: gi})
	assert.ErrorIs(t, err, ErrConcurrentLimit)
	assert.ErrorIs(t, err, ErrQuota)
}

func TestManager_CPUExceededNotElastic(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 1, Memory: 4 * gi, MaxConcurrent: 4})

	_, err := m.Allocate("p1", "w1", Request{CPU: 1.5, Memory: gi})
	assert.ErrorIs(t, err, ErrCPUExceeded)
}

func TestManager_MemoryExceededNotElastic(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 4, Memory: gi, MaxConcurrent: 4})

	_, err := m.Allocate("p1", "w1", Request{CPU: 1, Memory: 2 * gi})
	assert.ErrorIs(t, err, ErrMemoryExceeded)
}

func TestManager_SystemResources(t *testing.T) {
	m, err := NewManager(Config{SystemCPU: 1, SystemMemory: gi})
	require.NoError(t, err)
	m.SetQuota("p1", Quota{CPU: 4, Memory: 8 * gi, MaxConcurrent: 4})

	_, err = m.Allocate("p1", "w1", Request{CPU: 2, Memory: gi})
	assert.ErrorIs(t, err, ErrSystemResources)
}

// Scenario: p1 has CPU quota 1.0 elastic and usage 0.8; p2 has quota 1.0
// with usage 0.1. A request of 0.5 borrows 0.3 from p2's slack: p1's
// temporary quota becomes 1.3 and a history entry is appended.
func TestManager_ElasticBorrow(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 1, Memory: 4 * gi, MaxConcurrent: 8, Elastic: true})
	m.SetQuota("p2", Quota{CPU: 1, Memory: 4 * gi, MaxConcurrent: 8})

	_, err := m.Allocate("p1", "w0", Request{CPU: 0.8, Memory: gi})
	require.NoError(t, err)
	_, err = m.Allocate("p2", "x0", Request{CPU: 0.1, Memory: gi})
	require.NoError(t, err)

	_, err = m.Allocate("p1", "w1", Request{CPU: 0.5, Memory: gi})
	require.NoError(t, err, "elastic borrow should cover the shortfall")

	snap := m.Snapshot()
	assert.InDelta(t, 1.3, snap.Projects["p1"].Quota.CPU, 1e-9)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, "p1", history[0].ProjectID)
	assert.Equal(t, "cpu", history[0].ResourceType)
	assert.InDelta(t, 0.3, history[0].Amount, 1e-9)
	assert.Equal(t, "elastic", history[0].Reason)
}

func TestManager_ElasticBorrowInsufficientSlack(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 1, Memory: 4 * gi, MaxConcurrent: 8, Elastic: true})
	m.SetQuota("p2", Quota{CPU: 1, Memory: 4 * gi, MaxConcurrent: 8})

	_, err := m.Allocate("p2", "x0", Request{CPU: 0.9, Memory: gi})
	require.NoError(t, err)

	// p2's slack is 0.1; p1 needs 2.0 over quota.
	_, err = m.Allocate("p1", "w1", Request{CPU: 3, Memory: gi})
	assert.ErrorIs(t, err, ErrCPUExceeded)
	assert.Empty(t, m.History())
}

// A borrow must not stick when a later check rejects the allocation:
// the inflated quota and the history entry would otherwise survive a
// failed Allocate.
func TestManager_BorrowRolledBackOnMemoryReject(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 1, Memory: gi, MaxConcurrent: 8, Elastic: true})
	m.SetQuota("p2", Quota{CPU: 4, Memory: gi, MaxConcurrent: 8})

	// p2's memory quota is fully used, so p1 has CPU slack to borrow but
	// no memory slack.
	_, err := m.Allocate("p2", "x0", Request{CPU: 0.5, Memory: gi})
	require.NoError(t, err)

	_, err = m.Allocate("p1", "w1", Request{CPU: 2, Memory: 2 * gi})
	require.ErrorIs(t, err, ErrMemoryExceeded)

	snap := m.Snapshot()
	assert.InDelta(t, 1.0, snap.Projects["p1"].Quota.CPU, 1e-9, "failed allocate must not inflate the quota")
	assert.Empty(t, m.History())
}

func TestManager_BorrowRolledBackOnSystemReject(t *testing.T) {
	m, err := NewManager(Config{SystemCPU: 2, SystemMemory: 16 * gi})
	require.NoError(t, err)
	m.SetQuota("p1", Quota{CPU: 1, Memory: 4 * gi, MaxConcurrent: 8, Elastic: true})
	m.SetQuota("p2", Quota{CPU: 4, Memory: 4 * gi, MaxConcurrent: 8})

	_, err = m.Allocate("p2", "x0", Request{CPU: 1, Memory: gi})
	require.NoError(t, err)

	// The borrow itself would succeed (p2 has 3.0 slack) but only 1.0
	// system CPU remains.
	_, err = m.Allocate("p1", "w1", Request{CPU: 1.5, Memory: gi})
	require.ErrorIs(t, err, ErrSystemResources)

	snap := m.Snapshot()
	assert.InDelta(t, 1.0, snap.Projects["p1"].Quota.CPU, 1e-9)
	assert.Empty(t, m.History())
}

func TestBorrowHistory_RingEviction(t *testing.T) {
	h := NewBorrowHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(BorrowRecord{Amount: float64(i)})
	}
	assert.Equal(t, 3, h.Len())
	entries := h.Entries()
	require.Len(t, entries, 3)
	// Oldest-first: 2, 3, 4
	assert.Equal(t, float64(2), entries[0].Amount)
	assert.Equal(t, float64(4), entries[2].Amount)
}

func TestManager_ReallocateNotTriggeredWhenBalanced(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 2, Memory: 4 * gi, MaxConcurrent: 4, Priority: 1})
	m.SetQuota("p2", Quota{CPU: 2, Memory: 4 * gi, MaxConcurrent: 4, Priority: 1})

	// Equal utilisation: spread is zero
	_, err := m.Allocate("p1", "w1", Request{CPU: 1, Memory: gi})
	require.NoError(t, err)
	_, err = m.Allocate("p2", "w2", Request{CPU: 1, Memory: gi})
	require.NoError(t, err)

	report := m.Reallocate(nil)
	assert.False(t, report.Triggered)
	assert.InDelta(t, 0, report.Spread, 1e-9)
}

func TestManager_ReallocateShiftsTowardBusyProject(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 2, Memory: 4 * gi, MaxConcurrent: 4, Priority: 2})
	m.SetQuota("p2", Quota{CPU: 2, Memory: 4 * gi, MaxConcurrent: 4, Priority: 1})

	// p1 fully utilised, p2 idle: spread 0.5 > 0.2
	_, err := m.Allocate("p1", "w1", Request{CPU: 2, Memory: gi})
	require.NoError(t, err)

	before := m.Snapshot().Projects["p1"].Quota.CPU
	report := m.Reallocate(map[string]Metrics{
		"p1": {Throughput: 50},
		"p2": {Throughput: 0},
	})
	require.True(t, report.Triggered)
	assert.Greater(t, report.Spread, 0.2)

	after := m.Snapshot()
	assert.Greater(t, after.Projects["p1"].Quota.CPU, before,
		"busy high-priority project should gain CPU")
	assert.Less(t, after.Projects["p2"].Quota.CPU, 2.0,
		"idle project should lose CPU")
	assert.GreaterOrEqual(t, after.Projects["p1"].Quota.MaxConcurrent, 1)
	assert.GreaterOrEqual(t, after.Projects["p2"].Quota.MaxConcurrent, 1)

	// Reserve withheld: targets never sum past 80% of system CPU.
	var targetSum float64
	for _, q := range report.Targets {
		targetSum += q.CPU
	}
	assert.LessOrEqual(t, targetSum, m.Snapshot().SystemCPU*0.8+1.0)
	for _, w := range report.Weights {
		assert.Positive(t, w)
	}
}

func TestManager_ReallocateSingleProjectNoop(t *testing.T) {
	m := newTestManager(t)
	m.SetQuota("p1", Quota{CPU: 2, Memory: 4 * gi, MaxConcurrent: 4, Priority: 1})
	report := m.Reallocate(nil)
	assert.False(t, report.Triggered)
}
