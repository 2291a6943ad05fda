package tool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned when a name has no registered tool.
var ErrToolNotFound = errors.New("tool not found")

// Func is the signature every tool implements.
// It receives the run's current state and returns the keys to merge into it.
// The state map is a private copy; a tool may read it freely. Returning a nil
// map leaves state unchanged.
type Func func(ctx Context, state map[string]any) (map[string]any, error)

// Tool is a registered tool.
type Tool struct {
	Name        string
	Description string
	// Blocking tools do synchronous work and are run on the engine's worker
	// pool instead of the run's goroutine.
	Blocking bool
	Fn       Func
}

// Info describes a tool for listings.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Blocking    bool   `json:"blocking"`
}

// Option configures a tool at registration.
type Option func(*Tool)

// Blocking marks the tool as doing blocking work.
func Blocking() Option {
	return func(t *Tool) {
		t.Blocking = true
	}
}

// WithDescription sets a human-readable description.
func WithDescription(desc string) Option {
	return func(t *Tool) {
		t.Description = desc
	}
}

// Registry maps tool names to tools. It is safe for concurrent use and is
// read far more often than written.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool already registered under name.
// It panics if name is empty or fn is nil, since both are programming errors.
func (r *Registry) Register(name string, fn Func, opts ...Option) {
	if name == "" {
		panic("tool: empty tool name")
	}
	if fn == nil {
		panic(fmt.Sprintf("tool: nil func for %q", name))
	}
	t := Tool{Name: name, Fn: fn}
	for _, opt := range opts {
		opt(&t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns all tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{Name: t.Name, Description: t.Description, Blocking: t.Blocking})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
