// Package resource implements per-project CPU/memory/concurrency quotas
// with elastic borrowing and periodic re-allocation. All operations are
// pure bookkeeping; the manager never blocks on I/O.
package resource

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/poppobuilder/poppo/internal/log"
)

// ErrQuota is the umbrella for every quota rejection; the subtypes below
// all wrap it so callers can match the family with errors.Is.
var (
	ErrQuota           = errors.New("quota exceeded")
	ErrConcurrentLimit = fmt.Errorf("%w: concurrent worker limit", ErrQuota)
	ErrCPUExceeded     = fmt.Errorf("%w: cpu", ErrQuota)
	ErrMemoryExceeded  = fmt.Errorf("%w: memory", ErrQuota)
	ErrSystemResources = fmt.Errorf("%w: insufficient system resources", ErrQuota)

	ErrUnknownProject   = errors.New("unknown project")
	ErrDuplicateProcess = errors.New("process already holds an allocation")
)

// Quota is a project's allowed resource envelope.
type Quota struct {
	CPU           float64 `json:"cpu"`    // fractional cores
	Memory        int64   `json:"memory"` // bytes
	MaxConcurrent int     `json:"maxConcurrent"`
	Priority      int     `json:"priority"`
	Elastic       bool    `json:"elastic"`
}

// Request is the resources a task asks for.
type Request struct {
	CPU    float64
	Memory int64
}

// Grant is the committed allocation returned to the caller.
type Grant struct {
	CPU    float64 `json:"cpu"`
	Memory int64   `json:"memory"`
}

// Allocation tracks one process's grant.
type Allocation struct {
	ProjectID string    `json:"projectId"`
	ProcessID string    `json:"processId"`
	CPU       float64   `json:"cpu"`
	Memory    int64     `json:"memory"`
	At        time.Time `json:"at"`
}

type projectState struct {
	quota   Quota
	usedCPU float64
	usedMem int64
	active  map[string]struct{} // process ids
}

// Metrics is the per-project input to Reallocate, supplied by the
// scheduler's statistics.
type Metrics struct {
	// Throughput is completed tasks over the last interval.
	Throughput float64
	// AvgLatency is the mean task duration over the last interval.
	AvgLatency time.Duration
}

// Config configures the Manager.
type Config struct {
	// SystemCPU is the total cores available for distribution.
	SystemCPU float64
	// SystemMemory is the total bytes available for distribution.
	SystemMemory int64
	// Reserve is the fraction withheld from re-allocation. Default 0.20.
	Reserve float64
	// Smoothing blends old and target quotas on re-allocation. Default 0.5.
	Smoothing float64
	// UtilizationSpread is the stddev of CPU utilisation across projects
	// above which re-allocation triggers. Default 0.20.
	UtilizationSpread float64
	// HistorySize caps the elastic-borrow log. Default 1000.
	HistorySize int
	// Logger receives quota diagnostics. Nil discards them.
	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.Reserve == 0 {
		c.Reserve = 0.20
	}
	if c.Smoothing == 0 {
		c.Smoothing = 0.5
	}
	if c.UtilizationSpread == 0 {
		c.UtilizationSpread = 0.20
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
}

// Manager tracks per-project quotas and usage.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	availCPU float64
	availMem int64
	projects map[string]*projectState
	allocs   map[string]Allocation // by process id
	history  *BorrowHistory
	log      *log.Logger
}

// NewManager creates a Manager for the given system envelope.
func NewManager(cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	if cfg.SystemCPU <= 0 {
		return nil, fmt.Errorf("system cpu must be positive, got %v", cfg.SystemCPU)
	}
	if cfg.SystemMemory <= 0 {
		return nil, fmt.Errorf("system memory must be positive, got %d", cfg.SystemMemory)
	}
	return &Manager{
		cfg:      cfg,
		availCPU: cfg.SystemCPU,
		availMem: cfg.SystemMemory,
		projects: make(map[string]*projectState),
		allocs:   make(map[string]Allocation),
		history:  NewBorrowHistory(cfg.HistorySize),
		log:      cfg.Logger,
	}, nil
}

// SetQuota registers or replaces a project's quota.
func (m *Manager) SetQuota(projectID string, q Quota) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.projects[projectID]
	if !ok {
		st = &projectState{active: make(map[string]struct{})}
		m.projects[projectID] = st
	}
	st.quota = q
	m.log.Debug(log.CatQuota, "quota set", "project", projectID,
		"cpu", q.CPU, "memory", q.Memory, "maxConcurrent", q.MaxConcurrent, "elastic", q.Elastic)
}

// RemoveProject drops a project's quota state. Active allocations keep
// their system reservation until released.
func (m *Manager) RemoveProject(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, projectID)
}

// Allocate commits resources for a process working on a project task.
// The checks run in quota order: concurrency, CPU, memory, then
// system-wide availability. Elastic projects may borrow slack from other
// projects when their own quota is exhausted.
func (m *Manager) Allocate(projectID, processID string, req Request) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.projects[projectID]
	if !ok {
		return Grant{}, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	if _, dup := m.allocs[processID]; dup {
		return Grant{}, fmt.Errorf("%w: %s", ErrDuplicateProcess, processID)
	}

	if len(st.active) >= st.quota.MaxConcurrent {
		return Grant{}, fmt.Errorf("%w: project %s at %d", ErrConcurrentLimit, projectID, st.quota.MaxConcurrent)
	}

	// Borrows are sized up front but committed only once every check has
	// passed: a later rejection must leave quotas and the borrow log
	// untouched.
	var cpuBorrow float64
	if st.usedCPU+req.CPU > st.quota.CPU {
		shortfall := st.usedCPU + req.CPU - st.quota.CPU
		if !st.quota.Elastic || m.cpuSlack(projectID) < shortfall {
			return Grant{}, fmt.Errorf("%w: project %s needs %.3f over quota %.3f", ErrCPUExceeded, projectID, req.CPU, st.quota.CPU)
		}
		cpuBorrow = shortfall
	}
	var memBorrow int64
	if st.usedMem+req.Memory > st.quota.Memory {
		shortfall := st.usedMem + req.Memory - st.quota.Memory
		if !st.quota.Elastic || m.memorySlack(projectID) < shortfall {
			return Grant{}, fmt.Errorf("%w: project %s needs %s over quota %s", ErrMemoryExceeded, projectID, FormatMemory(req.Memory), FormatMemory(st.quota.Memory))
		}
		memBorrow = shortfall
	}

	if m.availCPU < req.CPU || m.availMem < req.Memory {
		return Grant{}, fmt.Errorf("%w: need cpu=%.3f mem=%s, have cpu=%.3f mem=%s",
			ErrSystemResources, req.CPU, FormatMemory(req.Memory), m.availCPU, FormatMemory(m.availMem))
	}

	if cpuBorrow > 0 {
		m.commitBorrowCPU(projectID, st, cpuBorrow)
	}
	if memBorrow > 0 {
		m.commitBorrowMemory(projectID, st, memBorrow)
	}

	st.usedCPU += req.CPU
	st.usedMem += req.Memory
	st.active[processID] = struct{}{}
	m.availCPU -= req.CPU
	m.availMem -= req.Memory
	m.allocs[processID] = Allocation{
		ProjectID: projectID,
		ProcessID: processID,
		CPU:       req.CPU,
		Memory:    req.Memory,
		At:        time.Now(),
	}

	m.log.Debug(log.CatQuota, "allocated", "project", projectID, "process", processID,
		"cpu", req.CPU, "memory", req.Memory)
	return Grant{CPU: req.CPU, Memory: req.Memory}, nil
}

// cpuSlack sums the unused CPU quota of every other project. Caller
// holds m.mu.
func (m *Manager) cpuSlack(projectID string) float64 {
	var slack float64
	for id, other := range m.projects {
		if id == projectID {
			continue
		}
		if free := other.quota.CPU - other.usedCPU; free > 0 {
			slack += free
		}
	}
	return slack
}

// memorySlack is the memory analogue of cpuSlack. Caller holds m.mu.
func (m *Manager) memorySlack(projectID string) int64 {
	var slack int64
	for id, other := range m.projects {
		if id == projectID {
			continue
		}
		if free := other.quota.Memory - other.usedMem; free > 0 {
			slack += free
		}
	}
	return slack
}

// commitBorrowCPU inflates the project's CPU quota by shortfall and
// records it. Caller holds m.mu and has already verified the slack.
func (m *Manager) commitBorrowCPU(projectID string, st *projectState, shortfall float64) {
	st.quota.CPU += shortfall
	m.history.Append(BorrowRecord{
		Timestamp:    time.Now(),
		ProjectID:    projectID,
		ResourceType: "cpu",
		Amount:       shortfall,
		Reason:       "elastic",
	})
	m.log.Info(log.CatQuota, "elastic cpu borrow", "project", projectID, "amount", shortfall)
}

// commitBorrowMemory is the memory analogue of commitBorrowCPU.
func (m *Manager) commitBorrowMemory(projectID string, st *projectState, shortfall int64) {
	st.quota.Memory += shortfall
	m.history.Append(BorrowRecord{
		Timestamp:    time.Now(),
		ProjectID:    projectID,
		ResourceType: "memory",
		Amount:       float64(shortfall),
		Reason:       "elastic",
	})
	m.log.Info(log.CatQuota, "elastic memory borrow", "project", projectID, "amount", shortfall)
}

// Release frees a process's allocation. Unknown process ids are a no-op:
// release races with orphan repair and losing the race is fine.
func (m *Manager) Release(processID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.allocs[processID]
	if !ok {
		return
	}
	delete(m.allocs, processID)
	m.availCPU += alloc.CPU
	m.availMem += alloc.Memory

	if st, ok := m.projects[alloc.ProjectID]; ok {
		st.usedCPU -= alloc.CPU
		if st.usedCPU < 0 {
			st.usedCPU = 0
		}
		st.usedMem -= alloc.Memory
		if st.usedMem < 0 {
			st.usedMem = 0
		}
		delete(st.active, processID)
	}
	m.log.Debug(log.CatQuota, "released", "project", alloc.ProjectID, "process", processID)
}

// ProjectUsage is the copy-out view of one project.
type ProjectUsage struct {
	Quota      Quota    `json:"quota"`
	UsedCPU    float64  `json:"usedCpu"`
	UsedMemory int64    `json:"usedMemory"`
	Active     []string `json:"active"`
}

// Snapshot is the copy-out view of the whole manager; readers never block
// writers beyond the map copy.
type Snapshot struct {
	SystemCPU       float64                 `json:"systemCpu"`
	SystemMemory    int64                   `json:"systemMemory"`
	AvailableCPU    float64                 `json:"availableCpu"`
	AvailableMemory int64                   `json:"availableMemory"`
	Projects        map[string]ProjectUsage `json:"projects"`
}

// Snapshot returns the current usage across projects and system-wide.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		SystemCPU:       m.cfg.SystemCPU,
		SystemMemory:    m.cfg.SystemMemory,
		AvailableCPU:    m.availCPU,
		AvailableMemory: m.availMem,
		Projects:        make(map[string]ProjectUsage, len(m.projects)),
	}
	for id, st := range m.projects {
		active := make([]string, 0, len(st.active))
		for p := range st.active {
			active = append(active, p)
		}
		snap.Projects[id] = ProjectUsage{
			Quota:      st.quota,
			UsedCPU:    st.usedCPU,
			UsedMemory: st.usedMem,
			Active:     active,
		}
	}
	return snap
}

// History returns the elastic-borrow log oldest-first.
func (m *Manager) History() []BorrowRecord {
	return m.history.Entries()
}
