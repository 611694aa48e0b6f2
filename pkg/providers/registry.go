package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/halite-run/halite/pkg/engine"
)

// Registry maps state function references to their definitions. It
// implements engine.Resolver.
type Registry struct {
	// mu protects defs.
	mu sync.RWMutex

	// defs maps "state.fun" to the registered definition.
	defs map[string]*engine.Definition

	log zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		defs: make(map[string]*engine.Definition),
		log:  log.With().Str("component", "providers").Logger(),
	}
}

// Register adds a definition to the registry. The reference must be of
// the form "state.fun" where the state part may itself be dotted
// ("kv.pair.present"). Re-registering a reference is an error so plugin
// states cannot silently shadow builtins.
func (r *Registry) Register(def *engine.Definition) error {
	if def == nil {
		return fmt.Errorf("nil definition")
	}
	if err := ValidateRef(def.Ref); err != nil {
		return err
	}
	if def.Func == nil {
		return fmt.Errorf("definition %s has no state function", def.Ref)
	}
	if def.Spec == nil {
		return fmt.Errorf("definition %s has no call spec", def.Ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Ref]; exists {
		return fmt.Errorf("state function %s already registered", def.Ref)
	}
	r.defs[def.Ref] = def
	r.log.Debug().Str("ref", def.Ref).Msg("Registered state function")
	return nil
}

// RegisterAll registers every definition, stopping at the first error.
func (r *Registry) RegisterAll(defs []*engine.Definition) error {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the definition for a reference.
func (r *Registry) Lookup(ref string) (*engine.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[ref]
	if !ok {
		return nil, fmt.Errorf("unknown state function %q", ref)
	}
	return def, nil
}

// Refs lists every registered reference, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.defs))
	for ref := range r.defs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Modules lists the distinct state module names ("file", "kv.pair"),
// sorted. The module is everything before the final dot of a reference.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for ref := range r.defs {
		idx := strings.LastIndex(ref, ".")
		seen[ref[:idx]] = true
	}
	modules := make([]string, 0, len(seen))
	for m := range seen {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules
}

// ValidateRef checks that a reference is a well formed "state.fun" name:
// at least two non-empty dot separated segments of lowercase letters,
// digits and underscores.
func ValidateRef(ref string) error {
	parts := strings.Split(ref, ".")
	if len(parts) < 2 {
		return fmt.Errorf("invalid state function reference %q: want state.fun", ref)
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("invalid state function reference %q: empty segment", ref)
		}
		for _, c := range part {
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
				return fmt.Errorf("invalid state function reference %q: bad character %q", ref, c)
			}
		}
	}
	return nil
}
