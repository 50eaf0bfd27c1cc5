package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc serves one command. The returned value is JSON-marshalled
// into the response result; a returned error becomes
// response{success:false, error:{message, code}}.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps command names to handlers. Registration happens at
// startup; dispatch is concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a command name. Registering a duplicate name panics:
// that is a programming error, not a runtime condition.
func (r *Registry) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("duplicate command handler: %s", name))
	}
	r.handlers[name] = h
}

// Dispatch runs the handler for name. Unknown names fail with
// ErrUnknownCommand.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return h(ctx, args)
}

// Commands returns the sorted registered command names.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
