// ============================================================================
// framejobs Assets - weak-reference asset cache
// ============================================================================
//
// Package: internal/assets
// File: cache.go
// Purpose: Deduplicates loaded assets without keeping them alive.
//
// Ownership:
//   Insert hands the caller the strong reference (*T) and keeps only a
//   weak.Pointer. Get resolves the weak pointer, so it returns a usable asset iff
//   somebody still holds a strong reference. Once the last one is dropped the GC
//   reclaims the asset and the entry becomes unresolvable; ClearUnused sweeps such
//   entries. Nothing else ever invalidates an entry.
//
// Keys:
//   Entries are keyed by path. The entry remembers the asset type; resolving a live
//   entry as a different type panics, since a path is expected to denote one asset
//   type across the whole application.
//
// The cache lives in the world as a resource and is also touched by the in-flight
// load registry (load.go). The mutex only lets diagnostics read Len from another
// goroutine.
//
// ============================================================================

package assets

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"weak"
)

type entry struct {
	typ   reflect.Type
	ref   any // weak.Pointer[T] for typ == T
	alive func() bool
}

// Cache maps asset paths to weak references
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]reflect.Type
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{
		entries:  make(map[string]entry),
		inflight: make(map[string]reflect.Type),
	}
}

// Get resolves the cached asset for path. It returns nil when the path was never
// inserted or its asset has been reclaimed.
func Get[T any](c *Cache, path string) *T {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		return nil
	}
	want := reflect.TypeFor[T]()
	if e.typ != want {
		if e.alive() {
			panic(fmt.Sprintf("assets: %q is cached as %s, requested as %s", path, e.typ, want))
		}
		return nil
	}
	return e.ref.(weak.Pointer[T]).Value()
}

// Insert records a weak reference to asset under path, replacing any existing entry,
// and returns the strong reference the caller must hold to keep the asset cached
func Insert[T any](c *Cache, path string, asset *T) *T {
	if asset == nil {
		panic(fmt.Sprintf("assets: insert %q: nil asset", path))
	}
	wp := weak.Make(asset)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[path] = entry{
		typ:   reflect.TypeFor[T](),
		ref:   wp,
		alive: func() bool { return wp.Value() != nil },
	}
	return asset
}

// ClearUnused drops every entry whose asset has been reclaimed and returns how many
// were dropped
func ClearUnused(c *Cache) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for path, e := range c.entries {
		if !e.alive() {
			delete(c.entries, path)
			n++
		}
	}
	return n
}

// Len returns the number of entries, resolvable or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Paths returns the cached paths in lexical order
func (c *Cache) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.entries))
	for p := range c.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
