package ownership

import (
	"context"
	"sync"
	"time"

	"github.com/poppobuilder/poppo/internal/log"
)

// PriorityClass orders waiters on a contended issue lock. Lower ordinal
// is served first; FIFO within a class.
type PriorityClass int

const (
	PriorityUrgent PriorityClass = 0
	PriorityHigh   PriorityClass = 1
	PriorityNormal PriorityClass = 2
	PriorityLow    PriorityClass = 3
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// waiter is one parked Checkout call.
type waiter struct {
	ready     chan struct{} // closed on promotion
	class     PriorityClass
	arrivedAt time.Time
	processID string
	osPid     int
}

// holder records who currently owns the in-process gate for an issue.
type holder struct {
	processID  string
	osPid      int
	acquiredAt time.Time
}

type gate struct {
	holder  *holder
	waiters []*waiter
}

// BrokenLock describes one force-released gate from a deadlock sweep.
type BrokenLock struct {
	IssueID   int64     `json:"issueId"`
	ProcessID string    `json:"processId"`
	OSPid     int       `json:"osPid"`
	HeldSince time.Time `json:"heldSince"`
}

// waitRegistry serialises same-process checkouts of one issue and feeds
// the deadlock detector. State here is transient; restart rebuilds it
// empty, the store locks remain authoritative.
type waitRegistry struct {
	mu    sync.Mutex
	gates map[int64]*gate
	log   *log.Logger
}

func newWaitRegistry(logger *log.Logger) *waitRegistry {
	return &waitRegistry{gates: make(map[int64]*gate), log: logger}
}

// acquire takes the in-process gate for the issue, parking FIFO within
// the priority class when contended. On ctx expiry the waiter is removed
// and ErrLockTimeout returned.
func (r *waitRegistry) acquire(ctx context.Context, issueID int64, processID string, osPid int, class PriorityClass) error {
	r.mu.Lock()
	g, ok := r.gates[issueID]
	if !ok {
		g = &gate{}
		r.gates[issueID] = g
	}
	if g.holder == nil {
		g.holder = &holder{processID: processID, osPid: osPid, acquiredAt: time.Now()}
		r.mu.Unlock()
		return nil
	}

	w := &waiter{
		ready:     make(chan struct{}),
		class:     class,
		arrivedAt: time.Now(),
		processID: processID,
		osPid:     osPid,
	}
	g.insertWaiter(w)
	r.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		// Promotion may have raced the timeout; if we hold the gate now,
		// pass it on rather than leak it.
		select {
		case <-w.ready:
			r.promoteLocked(issueID)
		default:
			g.removeWaiter(w)
		}
		r.mu.Unlock()
		return ErrLockTimeout
	}
}

// insertWaiter keeps waiters ordered by class then arrival.
func (g *gate) insertWaiter(w *waiter) {
	idx := len(g.waiters)
	for i, other := range g.waiters {
		if w.class < other.class {
			idx = i
			break
		}
	}
	g.waiters = append(g.waiters, nil)
	copy(g.waiters[idx+1:], g.waiters[idx:])
	g.waiters[idx] = w
}

func (g *gate) removeWaiter(w *waiter) {
	for i, other := range g.waiters {
		if other == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

// release hands the gate to the next waiter or clears it.
func (r *waitRegistry) release(issueID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoteLocked(issueID)
}

func (r *waitRegistry) promoteLocked(issueID int64) {
	g, ok := r.gates[issueID]
	if !ok {
		return
	}
	if len(g.waiters) == 0 {
		delete(r.gates, issueID)
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	g.holder = &holder{processID: next.processID, osPid: next.osPid, acquiredAt: time.Now()}
	close(next.ready)
}

// detectDeadlocks walks the wait-for graph between OS pids and breaks
// every cycle by force-releasing the oldest holder in it. This is a
// fallback: normal operation never relies on it.
func (r *waitRegistry) detectDeadlocks() []BrokenLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	var broken []BrokenLock
	for {
		cycle := r.findCycleLocked()
		if len(cycle) == 0 {
			return broken
		}

		// Victim: the holder with the oldest acquisition time in the cycle.
		var victimIssue int64
		var victim *holder
		for _, issueID := range cycle {
			h := r.gates[issueID].holder
			if victim == nil || h.acquiredAt.Before(victim.acquiredAt) {
				victimIssue, victim = issueID, h
			}
		}
		broken = append(broken, BrokenLock{
			IssueID:   victimIssue,
			ProcessID: victim.processID,
			OSPid:     victim.osPid,
			HeldSince: victim.acquiredAt,
		})
		r.log.Warn(log.CatOwner, "deadlock broken", "issue", victimIssue,
			"process", victim.processID, "pid", victim.osPid)
		r.promoteLocked(victimIssue)
	}
}

// findCycleLocked returns the issue ids whose holders form one wait
// cycle, or nil. An edge exists from pid A to pid B when A waits on a
// gate B holds.
func (r *waitRegistry) findCycleLocked() []int64 {
	// waitsFor: pid -> pids holding gates this pid waits on
	waitsFor := make(map[int]map[int]struct{})
	for _, g := range r.gates {
		if g.holder == nil {
			continue
		}
		for _, w := range g.waiters {
			if waitsFor[w.osPid] == nil {
				waitsFor[w.osPid] = make(map[int]struct{})
			}
			waitsFor[w.osPid][g.holder.osPid] = struct{}{}
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[int]int)
	var stack []int

	var visit func(pid int) []int
	visit = func(pid int) []int {
		state[pid] = inStack
		stack = append(stack, pid)
		for next := range waitsFor[pid] {
			switch state[next] {
			case inStack:
				// Slice the stack from the first occurrence of next.
				for i, p := range stack {
					if p == next {
						return append([]int(nil), stack[i:]...)
					}
				}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		state[pid] = done
		stack = stack[:len(stack)-1]
		return nil
	}

	for pid := range waitsFor {
		if state[pid] == unvisited {
			if cycle := visit(pid); cycle != nil {
				inCycle := make(map[int]struct{}, len(cycle))
				for _, p := range cycle {
					inCycle[p] = struct{}{}
				}
				// Only gates contended within the cycle count: releasing
				// any of them removes a wait edge and makes progress.
				var issues []int64
				for issueID, g := range r.gates {
					if g.holder == nil {
						continue
					}
					if _, ok := inCycle[g.holder.osPid]; !ok {
						continue
					}
					for _, w := range g.waiters {
						if _, ok := inCycle[w.osPid]; ok {
							issues = append(issues, issueID)
							break
						}
					}
				}
				return issues
			}
		}
	}
	return nil
}
