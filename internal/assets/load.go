// ============================================================================
// framejobs Assets - asynchronous loading
// ============================================================================
//
// Package: internal/assets
// File: load.go
// Purpose: LoadAsset, the generator helper that resolves an asset through the
//          cache or loads it, plus the in-flight registry that keeps two jobs from
//          loading the same path at the same time.
//
// Flow (inside a rich generator):
//   1. with_world: cache hit            -> return the strong reference, no I/O
//                  load already running -> wait for the next frame, look again
//                  otherwise            -> claim the path as in flight
//   2. run the type's Load(co, path), which may suspend as often as it likes
//   3. with_world: insert into the cache, release the in-flight claim
//
// The claim is released on every exit path, including failure and cancellation, so
// a waiter takes over the load when the first loader gives up.
//
// ============================================================================

package assets

import (
	"fmt"
	"reflect"

	"github.com/ChuLiYu/frame-jobs/internal/jobs"
	"github.com/ChuLiYu/frame-jobs/internal/world"
)

// Loader is implemented by pointer-to-asset types that know how to fill themselves
// from storage. Load may suspend through co.
type Loader interface {
	Load(co *jobs.Co, path string) error
}

// beginLoad claims path for a load of type typ. It reports false if another load of
// the path is already in flight.
func (c *Cache) beginLoad(path string, typ reflect.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if running, ok := c.inflight[path]; ok {
		if running != typ {
			panic(fmt.Sprintf("assets: %q is loading as %s, requested as %s", path, running, typ))
		}
		return false
	}
	c.inflight[path] = typ
	return true
}

// endLoad releases the claim taken by beginLoad
func (c *Cache) endLoad(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, path)
}

// Loading returns the number of loads in flight
func (c *Cache) Loading() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

type lookup[A any] struct {
	asset *A
	cache *Cache
	owner bool
}

// LoadAsset returns the asset at path, loading it if no live copy is cached. It must
// be called from a rich generator; the world must carry a *Cache resource.
func LoadAsset[A any, PA interface {
	*A
	Loader
}](co *jobs.Co, path string) (*A, error) {
	typ := reflect.TypeFor[A]()

	var l lookup[A]
	for {
		l = jobs.WithWorld(co, func(w *world.World) lookup[A] {
			c := world.MustResource[*Cache](w)
			if a := Get[A](c, path); a != nil {
				return lookup[A]{asset: a}
			}
			return lookup[A]{cache: c, owner: c.beginLoad(path, typ)}
		})
		if l.asset != nil {
			return l.asset, nil
		}
		if l.owner {
			break
		}
		// another job owns the load; let it run
		co.WaitFrame()
	}

	cache := l.cache
	defer cache.endLoad(path)

	asset := new(A)
	if err := PA(asset).Load(co, path); err != nil {
		return nil, fmt.Errorf("load %s %q: %w", typ.Name(), path, err)
	}

	return jobs.WithWorld(co, func(*world.World) *A {
		return Insert(cache, path, asset)
	}), nil
}

// Load stages a job that resolves one asset through LoadAsset
func Load[A any, PA interface {
	*A
	Loader
}](s *jobs.Scheduler, priority int, path string) jobs.JobHandle[struct{}, *A, error] {
	return jobs.AddTask(s, priority, func(co *jobs.Co) (*A, error) {
		return LoadAsset[A, PA](co, path)
	})
}
