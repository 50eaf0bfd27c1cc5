package scheduler

import (
	"fmt"
	"sort"
	"time"
)

// Policy names a task-selection strategy.
type Policy string

const (
	// PolicyFIFO selects the oldest arrival.
	PolicyFIFO Policy = "fifo"
	// PolicyPriority selects the highest priority, FIFO among ties.
	PolicyPriority Policy = "priority"
	// PolicyRoundRobin rotates a cursor over projects with ready tasks.
	PolicyRoundRobin Policy = "round-robin"
	// PolicyWeightedFair runs deficit-token selection over project weights.
	PolicyWeightedFair Policy = "weighted-fair"
	// PolicyDeadline prefers tasks due within 24h, else falls back to priority.
	PolicyDeadline Policy = "deadline"
)

// deadlineHorizon is how far ahead the deadline policy looks before
// falling back to priority selection.
const deadlineHorizon = 24 * time.Hour

// ParsePolicy validates a policy name from config or a command.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyFIFO, PolicyPriority, PolicyRoundRobin, PolicyWeightedFair, PolicyDeadline:
		return p, nil
	default:
		return "", fmt.Errorf("unknown scheduling policy %q", s)
	}
}

// selectIndex picks the next ready task under the active policy and
// returns its index, or -1 when the queue is empty. Caller holds s.mu.
func (s *Scheduler) selectIndex(now time.Time) int {
	if len(s.ready) == 0 {
		return -1
	}
	switch s.policy {
	case PolicyPriority:
		return s.selectPriority()
	case PolicyRoundRobin:
		return s.selectRoundRobin()
	case PolicyWeightedFair:
		return s.selectWeightedFair()
	case PolicyDeadline:
		return s.selectDeadline(now)
	default:
		return s.selectFIFO()
	}
}

func (s *Scheduler) selectFIFO() int {
	best := 0
	for i, t := range s.ready {
		if t.EnqueuedAt.Before(s.ready[best].EnqueuedAt) {
			best = i
		}
	}
	return best
}

func (s *Scheduler) selectPriority() int {
	best := 0
	for i, t := range s.ready {
		b := s.ready[best]
		if t.Priority > b.Priority || (t.Priority == b.Priority && t.EnqueuedAt.Before(b.EnqueuedAt)) {
			best = i
		}
	}
	return best
}

// selectRoundRobin advances a cursor through the sorted project ids that
// currently have at least one ready task, so one full cycle visits every
// non-empty project.
func (s *Scheduler) selectRoundRobin() int {
	projects := s.readyProjects()
	if len(projects) == 0 {
		return -1
	}

	next := projects[0]
	for _, id := range projects {
		if id > s.rrCursor {
			next = id
			break
		}
	}
	s.rrCursor = next
	return s.oldestFor(next)
}

// selectWeightedFair implements deficit-token selection: the backlogged
// project with the greatest balance wins and pays one token; when every
// balance drops to zero or below, all projects refill to their weight.
func (s *Scheduler) selectWeightedFair() int {
	projects := s.readyProjects()
	if len(projects) == 0 {
		return -1
	}

	chosen := projects[0]
	chosenIdx := s.oldestFor(chosen)
	for _, id := range projects[1:] {
		bal, best := s.stats[id].balance, s.stats[chosen].balance
		idx := s.oldestFor(id)
		switch {
		case bal > best:
			chosen, chosenIdx = id, idx
		case bal == best && s.ready[idx].EnqueuedAt.Before(s.ready[chosenIdx].EnqueuedAt):
			chosen, chosenIdx = id, idx
		}
	}

	s.stats[chosen].balance--

	allDrained := true
	for _, st := range s.stats {
		if st.balance > 0 {
			allDrained = false
			break
		}
	}
	if allDrained {
		for _, st := range s.stats {
			st.balance = st.weight
		}
	}
	return chosenIdx
}

func (s *Scheduler) selectDeadline(now time.Time) int {
	horizon := now.Add(deadlineHorizon)
	best := -1
	for i, t := range s.ready {
		if t.Deadline == nil || !t.Deadline.Before(horizon) {
			continue
		}
		if best == -1 || t.Deadline.Before(*s.ready[best].Deadline) {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	return s.selectPriority()
}

// readyProjects returns the sorted set of project ids with a ready task.
// Caller holds s.mu.
func (s *Scheduler) readyProjects() []string {
	seen := make(map[string]struct{})
	for _, t := range s.ready {
		seen[t.ProjectID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// oldestFor returns the index of the oldest ready task for the project.
// Caller holds s.mu.
func (s *Scheduler) oldestFor(projectID string) int {
	best := -1
	for i, t := range s.ready {
		if t.ProjectID != projectID {
			continue
		}
		if best == -1 || t.EnqueuedAt.Before(s.ready[best].EnqueuedAt) {
			best = i
		}
	}
	return best
}
