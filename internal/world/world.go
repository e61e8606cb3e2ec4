// ============================================================================
// framejobs World - shared global state container
// ============================================================================
//
// Package: internal/world
// File: world.go
// Purpose: The opaque mutable store that jobs touch only through runner-fulfilled
//          requests or through deferred command buffers.
//
// Model:
//   - Entity: an id with a set of components, one component per Go type
//   - Resource: a singleton value, one per Go type
//   - Reserve(): hands out an entity id that becomes alive when Materialize is
//     called, so deferred command buffers can return ids before they apply
//
// Concurrency:
//   World is not safe for concurrent use. The frame driver is single threaded and
//   every access happens inside a runner tick.
//
// ============================================================================

package world

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

var (
	// ErrNoEntity is returned when an operation targets an entity that is not alive
	ErrNoEntity = errors.New("entity does not exist")
	// ErrNilComponent is returned when a nil component is inserted
	ErrNilComponent = errors.New("component is nil")
)

// Entity identifies a set of components inside a World
type Entity uint32

func (e Entity) String() string {
	return fmt.Sprintf("entity(%d)", uint32(e))
}

type components map[reflect.Type]any

// World holds entities and resources
type World struct {
	next      Entity
	entities  map[Entity]components
	reserved  map[Entity]struct{}
	resources map[reflect.Type]any
}

// New creates an empty World
func New() *World {
	return &World{
		next:      1, // 0 is never a valid entity
		entities:  make(map[Entity]components),
		reserved:  make(map[Entity]struct{}),
		resources: make(map[reflect.Type]any),
	}
}

// Reserve allocates an entity id without making it alive
func (w *World) Reserve() Entity {
	e := w.next
	w.next++
	w.reserved[e] = struct{}{}
	return e
}

// Materialize makes a reserved entity alive. Materializing an entity that is already
// alive is a no-op; materializing an id that was never handed out fails.
func (w *World) Materialize(e Entity) error {
	if _, ok := w.entities[e]; ok {
		return nil
	}
	if _, ok := w.reserved[e]; !ok {
		return fmt.Errorf("materialize %s: %w", e, ErrNoEntity)
	}
	delete(w.reserved, e)
	w.entities[e] = make(components)
	return nil
}

// Spawn creates a live entity carrying the given components
func (w *World) Spawn(comps ...any) Entity {
	e := w.Reserve()
	// cannot fail: e was just reserved
	_ = w.Materialize(e)
	_ = w.Insert(e, comps...)
	return e
}

// Alive reports whether the entity exists
func (w *World) Alive(e Entity) bool {
	_, ok := w.entities[e]
	return ok
}

// Despawn removes an entity and all of its components
func (w *World) Despawn(e Entity) error {
	if _, ok := w.entities[e]; !ok {
		delete(w.reserved, e)
		return fmt.Errorf("despawn %s: %w", e, ErrNoEntity)
	}
	delete(w.entities, e)
	return nil
}

// Insert adds or replaces components on an entity
func (w *World) Insert(e Entity, comps ...any) error {
	set, ok := w.entities[e]
	if !ok {
		return fmt.Errorf("insert on %s: %w", e, ErrNoEntity)
	}
	for _, c := range comps {
		if c == nil {
			return fmt.Errorf("insert on %s: %w", e, ErrNilComponent)
		}
		set[reflect.TypeOf(c)] = c
	}
	return nil
}

// Len returns the number of live entities
func (w *World) Len() int {
	return len(w.entities)
}

// Entities returns the live entity ids in ascending order
func (w *World) Entities() []Entity {
	out := make([]Entity, 0, len(w.entities))
	for e := range w.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetResource stores v as the resource for its dynamic type, replacing any previous one
func (w *World) SetResource(v any) {
	if v == nil {
		panic("world: nil resource")
	}
	w.resources[reflect.TypeOf(v)] = v
}

// ============================================================================
// Typed accessors
// ============================================================================

// Get returns the component of type T on entity e
func Get[T any](w *World, e Entity) (T, bool) {
	var zero T
	set, ok := w.entities[e]
	if !ok {
		return zero, false
	}
	c, ok := set[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	return c.(T), true
}

// Has reports whether entity e carries a component of type T
func Has[T any](w *World, e Entity) bool {
	_, ok := Get[T](w, e)
	return ok
}

// Remove deletes the component of type T from entity e. It reports whether a
// component was removed.
func Remove[T any](w *World, e Entity) bool {
	set, ok := w.entities[e]
	if !ok {
		return false
	}
	t := reflect.TypeFor[T]()
	if _, ok := set[t]; !ok {
		return false
	}
	delete(set, t)
	return true
}

// Query returns every live entity carrying a component of type T, in ascending order
func Query[T any](w *World) []Entity {
	t := reflect.TypeFor[T]()
	var out []Entity
	for _, e := range w.Entities() {
		if _, ok := w.entities[e][t]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Resource returns the resource of type T
func Resource[T any](w *World) (T, bool) {
	r, ok := w.resources[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return r.(T), true
}

// MustResource returns the resource of type T and panics if it was never set.
// A missing resource is a wiring bug in the host, not a runtime condition.
func MustResource[T any](w *World) T {
	r, ok := Resource[T](w)
	if !ok {
		panic(fmt.Sprintf("world: resource %s not initialised", reflect.TypeFor[T]()))
	}
	return r
}

// RemoveResource drops the resource of type T
func RemoveResource[T any](w *World) {
	delete(w.resources, reflect.TypeFor[T]())
}
