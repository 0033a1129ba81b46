// Package handler defines the endpoint's named-command handler table.
// Built-ins, compiled-in sets, and hot-reloaded plugin modules all register
// through the same Registry.
package handler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Kind says how the scheduler may run a handler.
type Kind string

const (
	// Cooperative handlers are context-aware and cheap; they run directly
	// on a dispatch goroutine and must honor ctx cancellation at every
	// blocking point.
	Cooperative Kind = "cooperative"
	// Blocking handlers call native OS APIs, read files synchronously, or
	// spawn subprocesses. They are confined to the bounded worker pool and
	// abandoned (not killed) on deadline.
	Blocking Kind = "blocking"
)

// Func executes a command. The returned value becomes the response data;
// returning a *protocol.HandlerError keeps control of the error code.
type Func func(ctx context.Context, params json.RawMessage) (any, error)

// Handler is one registered operation.
type Handler struct {
	Name           string
	Kind           Kind
	Fn             Func
	DefaultTimeout time.Duration // 0 means use the global default
	Module         string        // owning plugin module; "" for built-ins
}

// Registry maps command names to handlers. Registration is idempotent:
// re-registering a name atomically replaces the prior entry. Readers see
// either the old handler or the new one, never a partial state.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler under h.Name.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name] = h
}

// Deregister removes a handler by name. Removing an absent name is a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Lookup resolves a name to the last-registered handler of that name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns all registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SwapModule atomically replaces every handler owned by module with the
// given set. Names previously owned by the module but absent from the new
// set are deregistered. Handlers owned by other modules are untouched.
func (r *Registry) SwapModule(module string, handlers []Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, h := range r.handlers {
		if h.Module == module {
			delete(r.handlers, name)
		}
	}
	for _, h := range handlers {
		h.Module = module
		r.handlers[h.Name] = h
	}
}

// ModuleNames returns the handler names owned by a module, sorted.
func (r *Registry) ModuleNames(module string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, h := range r.handlers {
		if h.Module == module {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
