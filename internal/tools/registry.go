package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownTool is returned by Get for names no one registered. The
// executor maps it to an error result rather than failing the pass, since an
// unknown name is a data problem coming from the backend, not a system fault.
var ErrUnknownTool = fmt.Errorf("unknown tool")

type entry struct {
	def     Definition
	handler Handler
}

// Registry maps tool names to their definitions and handlers. Registration
// happens once at process start; afterwards the registry is only read, from
// any number of in-flight conversations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds a handler to a definition. Names are unique; the empty name
// and nil handlers are rejected.
func (r *Registry) Register(def Definition, h Handler) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler is nil", name)
	}
	def.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.entries[name] = entry{def: def, handler: h}
	return nil
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (Definition, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[name]
	if !exists {
		return Definition{}, nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.def, e.handler, nil
}

// Definitions returns the registered contracts sorted by name, so every
// provider round-trip advertises tools in a stable order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
