package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// Handler performs a tool's side effect. The returned map, if any, is sent
// back to the model as the function response.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Registry maps tool names to declarations and handlers. It is populated once
// when a session opens.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

type entry struct {
	decl    Declaration
	handler Handler
	schema  *jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. The parameter schema is compiled up front so bad
// declarations fail at setup rather than mid-call.
func (r *Registry) Register(decl Declaration, h Handler) error {
	name := strings.TrimSpace(decl.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %q: handler is required", name)
	}
	raw, err := decl.JSONSchemaBytes()
	if err != nil {
		return fmt.Errorf("tool %q: encode schema: %w", name, err)
	}
	schema, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	decl.Name = name
	r.entries[name] = &entry{decl: decl, handler: h, schema: schema}
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register that panics on error. For static built-in sets.
func (r *Registry) MustRegister(decl Declaration, h Handler) {
	if err := r.Register(decl, h); err != nil {
		panic(err)
	}
}

// Declarations returns every registered declaration in registration order.
func (r *Registry) Declarations() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].decl)
	}
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Verify checks that the advertised tool set and the registered handlers
// match exactly.
func (r *Registry) Verify(advertised []Declaration) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(advertised))
	var missing, extra []string
	for _, d := range advertised {
		seen[d.Name] = struct{}{}
		if _, ok := r.entries[d.Name]; !ok {
			missing = append(missing, d.Name)
		}
	}
	for _, name := range r.order {
		if _, ok := seen[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Errorf("tool set mismatch: declared without handler %v, handler without declaration %v", missing, extra)
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}
