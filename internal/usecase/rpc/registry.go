// Package rpc exposes an explicitly marked subset of an actor's methods to
// its observers, including methods that stream partial results.
package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"agentd/internal/domain"
)

// Method is a unary actor method.
type Method func(ctx context.Context, inv domain.Invocation) (any, error)

// StreamMethod is a streaming actor method. It owns the stream and may
// finish it after returning.
type StreamMethod func(ctx context.Context, stream *Stream, inv domain.Invocation) error

// Meta is the callable metadata attached when a method is marked.
type Meta struct {
	Description string
}

// MethodInfo describes one callable method.
type MethodInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Streaming   bool   `json:"streaming"`
}

type entry struct {
	name     string
	unary    Method
	stream   StreamMethod
	callable bool
	meta     Meta
}

// Registry is an actor's method table. A method is reachable from observers
// only if it was registered with Callable or Streaming; Define registers an
// internal method that timers and server code can still invoke by name.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*entry
}

var _ domain.MethodTable = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*entry)}
}

// Define registers an internal method. Redefining a name replaces it.
func (r *Registry) Define(name string, fn Method) {
	r.put(&entry{name: name, unary: fn})
}

// Callable registers a unary method observers may call.
func (r *Registry) Callable(name string, fn Method, meta Meta) {
	r.put(&entry{name: name, unary: fn, callable: true, meta: meta})
}

// Streaming registers a streaming method observers may call.
func (r *Registry) Streaming(name string, fn StreamMethod, meta Meta) {
	r.put(&entry{name: name, stream: fn, callable: true, meta: meta})
}

func (r *Registry) put(e *entry) {
	r.mu.Lock()
	r.methods[e.name] = e
	r.mu.Unlock()
}

// HasMethod reports whether name is registered, callable or not.
func (r *Registry) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// Invoke runs a unary method by name regardless of the callable marking.
// Streaming methods run against a detached stream whose frames are discarded.
func (r *Registry) Invoke(ctx context.Context, name string, inv domain.Invocation) (any, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if e.stream != nil {
		s := newStream(nil, "")
		if err := e.stream(ctx, s, inv); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return e.unary(ctx, inv)
}

// Describe lists the callable methods ordered by name.
func (r *Registry) Describe() []MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MethodInfo, 0, len(r.methods))
	for _, e := range r.methods {
		if !e.callable {
			continue
		}
		out = append(out, MethodInfo{Name: e.name, Description: e.meta.Description, Streaming: e.stream != nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("method %q %w", name, domain.ErrMethodNotFound)
	}
	return e, nil
}

// lookupCallable enforces the capability allowlist.
func (r *Registry) lookupCallable(name string) (*entry, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if !e.callable {
		return nil, fmt.Errorf("method %q %w", name, domain.ErrNotCallable)
	}
	return e, nil
}
