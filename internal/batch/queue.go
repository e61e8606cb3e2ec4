// ============================================================================
// framejobs Batch - deferred command batching
// ============================================================================
//
// Package: internal/batch
// File: queue.go
// Purpose: Jobs never mutate the world structure directly. They write operations
//          into command buffers; a flush job applies exactly one buffer per frame,
//          oldest first.
//
// Lifecycle of a buffer:
//   Commands() -> filled by one producer within one step -> pending (FIFO)
//   -> applied once by the flush job -> storage returned to the pool
//
// Bounds:
//   At most MaxBuffers buffers are pending. When the limit is reached, Commands()
//   returns the newest pending buffer instead of a fresh one, so the writes are
//   coalesced and still applied in order.
//
// Loading marker:
//   While any buffer is pending, a sentinel entity carries the Loading component so
//   other systems can hold back (e.g. not draw a half-spawned scene).
//
// ============================================================================

package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/frame-jobs/internal/world"
)

// DefaultMaxBuffers bounds the number of pending buffers
const DefaultMaxBuffers = 24

// ErrApplied is the panic value for writes to a buffer that was already applied
var ErrApplied = errors.New("command buffer already applied")

// Loading marks the sentinel entity while buffers are pending
type Loading struct{}

type command func(w *world.World) error

// CommandBuffer is an ordered list of deferred world operations
type CommandBuffer struct {
	q       *Queue
	ops     []command
	applied bool
}

func (cb *CommandBuffer) push(op command) {
	cb.q.mu.Lock()
	defer cb.q.mu.Unlock()

	if cb.applied {
		panic(fmt.Errorf("batch: write: %w", ErrApplied))
	}
	cb.ops = append(cb.ops, op)
}

// Spawn reserves an entity now and makes it alive with comps when the buffer applies
func (cb *CommandBuffer) Spawn(comps ...any) world.Entity {
	e := cb.q.world.Reserve()
	cb.push(func(w *world.World) error {
		if err := w.Materialize(e); err != nil {
			return err
		}
		return w.Insert(e, comps...)
	})
	return e
}

// Insert adds or replaces components on e
func (cb *CommandBuffer) Insert(e world.Entity, comps ...any) {
	cb.push(func(w *world.World) error {
		return w.Insert(e, comps...)
	})
}

// Despawn removes e
func (cb *CommandBuffer) Despawn(e world.Entity) {
	cb.push(func(w *world.World) error {
		return w.Despawn(e)
	})
}

// SetResource stores v as a world resource
func (cb *CommandBuffer) SetResource(v any) {
	cb.push(func(w *world.World) error {
		w.SetResource(v)
		return nil
	})
}

// Run defers an arbitrary world mutation
func (cb *CommandBuffer) Run(fn func(w *world.World)) {
	cb.push(func(w *world.World) error {
		fn(w)
		return nil
	})
}

// Remove defers removing the component of type T from e
func Remove[T any](cb *CommandBuffer, e world.Entity) {
	cb.push(func(w *world.World) error {
		world.Remove[T](w, e)
		return nil
	})
}

// Len returns the number of operations written so far
func (cb *CommandBuffer) Len() int {
	cb.q.mu.Lock()
	defer cb.q.mu.Unlock()
	return len(cb.ops)
}

// ============================================================================
// Queue
// ============================================================================

// Queue owns the pending buffers. It is stored in the world as a resource.
type Queue struct {
	mu         sync.Mutex
	world      *world.World
	maxBuffers int
	pending    []*CommandBuffer
	pool       opsPool
	log        *slog.Logger

	sentinel    world.Entity
	hasSentinel bool

	applied   uint64
	coalesced uint64
	failed    uint64
}

// NewQueue creates a queue for w. A non-positive maxBuffers falls back to the
// default.
func NewQueue(w *world.World, maxBuffers int) *Queue {
	if maxBuffers <= 0 {
		maxBuffers = DefaultMaxBuffers
	}
	return &Queue{
		world:      w,
		maxBuffers: maxBuffers,
		log:        slog.Default().With("component", "batch"),
	}
}

// SetLogger replaces the queue logger
func (q *Queue) SetLogger(l *slog.Logger) {
	q.log = l.With("component", "batch")
}

// Commands returns a buffer to write into. The buffer is pending from the moment it
// is returned and the flush job may apply it at the start of any later frame, so it
// must be filled within the current step. A task that suspends (WaitFrame, YieldNext,
// waiting on a load) has to call Commands again afterwards; writing to a buffer that
// was already applied panics with ErrApplied.
//
// Handing out the first pending buffer raises the Loading marker.
func (q *Queue) Commands() *CommandBuffer {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.maxBuffers {
		q.coalesced++
		q.log.Warn("command buffers exhausted, coalescing into newest",
			"pending", len(q.pending),
			"max", q.maxBuffers)
		return q.pending[len(q.pending)-1]
	}

	cb := &CommandBuffer{q: q, ops: q.pool.get()}
	q.pending = append(q.pending, cb)
	if len(q.pending) == 1 {
		q.markLoading(q.world, true)
	}
	return cb
}

// ApplyNext applies the oldest pending buffer to w and reports whether more remain.
// Operations that fail (for example on an entity despawned in the meantime) are
// logged and skipped.
func (q *Queue) ApplyNext(w *world.World) bool {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return false
	}
	cb := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	cb.applied = true
	ops := cb.ops
	cb.ops = nil
	q.mu.Unlock()

	for i, op := range ops {
		if err := op(w); err != nil {
			q.mu.Lock()
			q.failed++
			q.mu.Unlock()
			q.log.Warn("deferred command failed", "index", i, "error", err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.applied++
	q.pool.put(ops)
	return len(q.pending) > 0
}

// Pending returns the number of buffers waiting to be applied
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns how many buffers were applied and how many Commands calls were
// coalesced, and how many operations failed
func (q *Queue) Stats() (applied, coalesced, failed uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.applied, q.coalesced, q.failed
}

// markLoading keeps the Loading marker in sync with the pending count. It only
// touches the world, never q.mu.
func (q *Queue) markLoading(w *world.World, loading bool) {
	if !q.hasSentinel {
		if !loading {
			return
		}
		q.sentinel = w.Spawn()
		q.hasSentinel = true
	}
	if !w.Alive(q.sentinel) {
		q.sentinel = w.Spawn()
	}
	if loading {
		_ = w.Insert(q.sentinel, Loading{})
	} else {
		world.Remove[Loading](w, q.sentinel)
	}
}

// IsLoading reports whether any entity carries the Loading marker
func IsLoading(w *world.World) bool {
	return len(world.Query[Loading](w)) > 0
}

// ============================================================================
// Storage pool
// ============================================================================

// opsPool recycles operation slices between buffers
type opsPool [][]command

func (p *opsPool) get() []command {
	if len(*p) == 0 {
		return nil
	}
	ops := (*p)[len(*p)-1]
	(*p)[len(*p)-1] = nil
	*p = (*p)[:len(*p)-1]
	return ops
}

func (p *opsPool) put(ops []command) {
	if cap(ops) == 0 {
		return
	}
	clear(ops)
	*p = append(*p, ops[:0])
}
