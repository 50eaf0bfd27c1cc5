// Package project provides the registry of projects the coordinator
// schedules work for. Implementations must be thread-safe for concurrent
// access from command handlers and the scheduler.
package project

import (
	"fmt"
	"sync"
	"time"
)

// Project describes one registered project.
type Project struct {
	// ID is the opaque identifier used everywhere else in the daemon.
	ID   string `json:"id"`
	Name string `json:"name"`
	// Path is the project's filesystem location.
	Path string `json:"path"`
	// Priority is the static priority, higher is more favoured.
	Priority int `json:"priority"`
	// Weight is the share weight driving weighted-fair selection.
	Weight  float64 `json:"weight"`
	Enabled bool    `json:"enabled"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Validate checks required fields and value ranges.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("project id is required")
	}
	if p.Weight <= 0 {
		return fmt.Errorf("project %s: weight must be positive, got %v", p.ID, p.Weight)
	}
	return nil
}

// ListQuery filters projects for listing.
type ListQuery struct {
	// Enabled filters by the enabled flag when non-nil.
	Enabled *bool
}

// Registry stores and queries projects.
type Registry interface {
	// Put stores a project. Returns an error if a project with the same
	// ID already exists.
	Put(p *Project) error

	// Get retrieves a project by ID.
	Get(id string) (*Project, bool)

	// Update atomically modifies a project while holding the registry
	// lock. Returns an error if the project is not found.
	Update(id string, fn func(*Project)) error

	// List returns projects matching the query, sorted by ID for stable
	// output.
	List(q ListQuery) []*Project

	// Remove deletes a project. Returns an error if not found.
	Remove(id string) error

	// Count returns the number of registered projects.
	Count() int
}

type inMemoryRegistry struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewRegistry creates an empty in-memory Registry.
func NewRegistry() Registry {
	return &inMemoryRegistry{projects: make(map[string]*Project)}
}

func (r *inMemoryRegistry) Put(p *Project) error {
	if p == nil {
		return fmt.Errorf("project cannot be nil")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[p.ID]; exists {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	r.projects[p.ID] = p
	return nil
}

func (r *inMemoryRegistry) Get(id string) (*Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (r *inMemoryRegistry) Update(id string, fn func(*Project)) error {
	if fn == nil {
		return fmt.Errorf("update function cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return fmt.Errorf("project %s not found", id)
	}
	fn(p)
	return nil
}

func (r *inMemoryRegistry) List(q ListQuery) []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Project
	for _, p := range r.projects {
		if q.Enabled != nil && p.Enabled != *q.Enabled {
			continue
		}
		cp := *p
		results = append(results, &cp)
	}
	sortByID(results)
	return results
}

func (r *inMemoryRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[id]; !ok {
		return fmt.Errorf("project %s not found", id)
	}
	delete(r.projects, id)
	return nil
}

func (r *inMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects)
}

// sortByID sorts projects ascending by ID. Insertion sort is adequate for
// expected registry sizes.
func sortByID(projects []*Project) {
	for i := 1; i < len(projects); i++ {
		for j := i; j > 0 && projects[j].ID < projects[j-1].ID; j-- {
			projects[j], projects[j-1] = projects[j-1], projects[j]
		}
	}
}
