package recorder

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

// ReservedPrefix marks global names owned by the monitor itself.
const ReservedPrefix = "_"

// Globals is the set of named process state snapshotted with every call.
type Globals struct {
	mu   sync.RWMutex
	ptrs map[string]reflect.Value
}

// NewGlobals returns an empty registry.
func NewGlobals() *Globals {
	return &Globals{ptrs: make(map[string]reflect.Value)}
}

// Register adds the variable ptr points to under name.
func (g *Globals) Register(name string, ptr any) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("global name is required")
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("global name %q is reserved", name)
	}
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("global %q must be a non-nil pointer, got %T", name, ptr)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ptrs[name] = v
	return nil
}

// Names returns the registered names in sorted order.
func (g *Globals) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.ptrs))
	for name := range g.ptrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot captures every registered global.
func (g *Globals) Snapshot(ctx context.Context, objects *objectstore.Store) []storage.Variable {
	if g == nil {
		return nil
	}
	names := g.Names()
	vars := make([]storage.Variable, 0, len(names))
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, name := range names {
		if strings.HasPrefix(name, ReservedPrefix) {
			continue
		}
		ptr, ok := g.ptrs[name]
		if !ok {
			continue
		}
		vars = append(vars, storage.Variable{Name: name, Ref: objects.Capture(ctx, ptr.Elem().Interface())})
	}
	return vars
}

// Restore writes captured values back into the registered globals.
// Unregistered names and sentinel refs are skipped; a missing snapshot
// is an error.
func (g *Globals) Restore(ctx context.Context, objects *objectstore.Store, vars []storage.Variable) error {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, v := range vars {
		ptr, ok := g.ptrs[v.Name]
		if !ok {
			continue
		}
		if v.Ref.IsSentinel() {
			log.Printf("restore global %s: value was not captured", v.Name)
			continue
		}
		value, err := objects.Rehydrate(ctx, v.Ref)
		if err != nil {
			return fmt.Errorf("restore global %s: %w", v.Name, err)
		}
		target := ptr.Elem()
		if value == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		rv := reflect.ValueOf(value)
		if !rv.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("restore global %s: got %T, want %s", v.Name, value, target.Type())
		}
		target.Set(rv)
	}
	return nil
}
