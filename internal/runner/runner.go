// Package runner maps task-type strings to statically-typed worker
// implementations. The set of supported kinds is fixed at startup;
// unknown types are rejected at enqueue and dispatch time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/poppobuilder/poppo/internal/task"
)

// ErrUnknownType rejects task types with no registered runner.
var ErrUnknownType = errors.New("unknown task type")

// Result is what a runner reports back on success.
type Result struct {
	Output   string            `json:"output,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Runner executes one kind of task.
type Runner interface {
	Run(ctx context.Context, t task.Task) (Result, error)
}

// Func adapts a plain function to the Runner interface.
type Func func(ctx context.Context, t task.Task) (Result, error)

func (f Func) Run(ctx context.Context, t task.Task) (Result, error) { return f(ctx, t) }

// Registry binds task-type strings to runners at startup.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a task type. Duplicate registration panics; the wiring
// happens once at startup.
func (r *Registry) Register(taskType string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.runners[taskType]; dup {
		panic(fmt.Sprintf("duplicate runner for task type %s", taskType))
	}
	r.runners[taskType] = runner
}

// Get resolves a task type.
func (r *Registry) Get(taskType string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, taskType)
	}
	return runner, nil
}

// Supports reports whether the type has a runner.
func (r *Registry) Supports(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[taskType]
	return ok
}

// Types returns the sorted registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
