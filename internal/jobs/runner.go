// ============================================================================
// framejobs Jobs - runner (priority queue + frame budget loop)
// ============================================================================
//
// Package: internal/jobs
// File: runner.go
// Purpose: Drives every admitted job one step at a time, once per frame, inside the
//          frame time budget.
//
// Frame sequence (RunFrame):
//   1. teardown  - jobs cancelled since the last frame release their step state
//   2. admit     - every staged job enters the run queue
//   3. minimum   - at least MinJobs steps run regardless of the clock
//   4. budget    - more steps run while TimeInFrame() < TargetFrame - FrameMargin
//   5. merge     - jobs that answered Skip rejoin the queue for the next frame
//
// A terminal step stores the result, announces JobFinished and tears the job down in
// that order, so a listener reacting to the event can already claim.
//
// Concurrency:
//   Runner is driven from a single goroutine. Only LastStats is safe to call from
//   other goroutines (diagnostics).
//
// ============================================================================

package jobs

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/frame-jobs/internal/frame"
	"github.com/ChuLiYu/frame-jobs/internal/world"
	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

// Config controls the per-frame budget
type Config struct {
	MinJobs     int           // steps guaranteed every frame
	TargetFrame time.Duration // target frame period
	FrameMargin time.Duration // time reserved for the rest of the frame
}

// DefaultConfig targets 50 Hz and leaves 9ms for the rest of the frame
func DefaultConfig() Config {
	return Config{
		MinJobs:     5,
		TargetFrame: 20 * time.Millisecond,
		FrameMargin: 9 * time.Millisecond,
	}
}

// Budget is the time within a frame after which no further opportunistic step starts
func (c Config) Budget() time.Duration {
	return c.TargetFrame - c.FrameMargin
}

// Observer receives a summary of every frame
type Observer interface {
	ObserveFrame(stats types.FrameStats)
}

// finishedResult is a boxed terminal payload waiting for its claim
type finishedResult struct {
	failed  bool
	payload any
}

// Runner executes admitted jobs
type Runner struct {
	sched *Scheduler
	world *world.World
	clock frame.Clock
	cfg   Config
	log   *slog.Logger

	frame    uint64
	queue    runQueue
	skipped  []*record
	running  map[types.JobID]*record
	toCancel []*record

	finished  map[types.JobID]finishedResult
	events    []JobFinished
	listeners []func(JobFinished)
	watchers  map[types.JobID]func()
	observer  Observer

	statsMu sync.RWMutex
	last    types.FrameStats
}

// NewRunner creates a runner over the given intake and world
//
// Parameters:
//   - sched: intake whose staged jobs are admitted every frame
//   - w: world handed to every step
//   - clock: source of the elapsed time inside the current frame
//   - cfg: budget configuration; a non-positive MinJobs falls back to the default
func NewRunner(sched *Scheduler, w *world.World, clock frame.Clock, cfg Config) *Runner {
	if cfg.MinJobs <= 0 {
		cfg.MinJobs = DefaultConfig().MinJobs
	}
	return &Runner{
		sched:    sched,
		world:    w,
		clock:    clock,
		cfg:      cfg,
		log:      slog.Default().With("component", "runner"),
		running:  make(map[types.JobID]*record),
		finished: make(map[types.JobID]finishedResult),
		watchers: make(map[types.JobID]func()),
	}
}

// SetLogger replaces the runner logger
func (r *Runner) SetLogger(l *slog.Logger) {
	r.log = l.With("component", "runner")
}

// SetObserver installs the frame observer (metrics)
func (r *Runner) SetObserver(o Observer) {
	r.observer = o
}

// Config returns the budget configuration
func (r *Runner) Config() Config {
	return r.cfg
}

// Scheduler returns the intake this runner admits from
func (r *Runner) Scheduler() *Scheduler {
	return r.sched
}

// World returns the world handed to every step
func (r *Runner) World() *world.World {
	return r.world
}

// ============================================================================
// Frame loop
// ============================================================================

// RunFrame executes one frame worth of job steps. The host calls it once per update
// tick, after the frame clock has been reset.
func (r *Runner) RunFrame() types.FrameStats {
	started := time.Now()
	r.frame++
	r.events = r.events[:0]

	stats := types.FrameStats{Frame: r.frame}

	// 1. cancellations, before admission so a cancelled-then-resubmitted job
	//    never meets its stale state
	stats.Cancelled = r.teardownCancelled()

	// 2. admission
	for _, rec := range r.sched.drain() {
		r.running[rec.id] = rec
		heap.Push(&r.queue, rec)
		stats.Admitted++
	}

	// 3. guaranteed minimum
	for i := 0; i < r.cfg.MinJobs; i++ {
		if !r.stepNext(&stats) {
			break
		}
	}

	// 4. opportunistic, within budget
	budget := r.cfg.Budget()
	for n := 0; ; n++ {
		if r.clock.TimeInFrame() >= budget {
			stats.OverBudget = n == 0
			break
		}
		if !r.stepNext(&stats) {
			break
		}
	}

	// 5. skipped jobs become runnable again next frame
	for i, rec := range r.skipped {
		if !rec.cancelled {
			heap.Push(&r.queue, rec)
		}
		r.skipped[i] = nil
	}
	r.skipped = r.skipped[:0]

	stats.Running = len(r.running)
	stats.Unclaimed = len(r.finished)
	stats.JobTime = time.Since(started)

	if stats.OverBudget {
		r.log.Debug("frame over budget before opportunistic loop",
			"frame", stats.Frame,
			"steps", stats.Steps,
			"budget", budget)
	}

	r.statsMu.Lock()
	r.last = stats
	r.statsMu.Unlock()

	if r.observer != nil {
		r.observer.ObserveFrame(stats)
	}
	return stats
}

// stepNext pops the next live job and steps it. It returns false when the queue is
// empty.
func (r *Runner) stepNext(stats *types.FrameStats) bool {
	for r.queue.Len() > 0 {
		rec := heap.Pop(&r.queue).(*record)
		if rec.cancelled {
			// torn down at the start of the next frame
			continue
		}
		r.step(rec, stats)
		return true
	}
	return false
}

func (r *Runner) step(rec *record, stats *types.FrameStats) {
	out := rec.step(r.world, rec.work)
	stats.Steps++

	switch out.kind {
	case KindContinue:
		rec.work = out.payload
		heap.Push(&r.queue, rec)
	case KindSkip:
		rec.work = out.payload
		r.skipped = append(r.skipped, rec)
		stats.Skipped++
	case KindSuccess, KindError:
		failed := out.kind == KindError
		if failed {
			stats.Failed++
		} else {
			stats.Succeeded++
		}
		r.finish(rec, finishedResult{failed: failed, payload: out.payload})
	}
}

// finish stores the result, announces completion and tears the job down
func (r *Runner) finish(rec *record, res finishedResult) {
	r.finished[rec.id] = res
	delete(r.running, rec.id)

	ev := JobFinished{ID: rec.id}
	r.events = append(r.events, ev)
	for _, fn := range r.listeners {
		fn(ev)
	}
	if w, ok := r.watchers[rec.id]; ok {
		delete(r.watchers, rec.id)
		w()
	}

	r.release(rec)
	r.log.Debug("job finished", "job", rec.id, "failed", res.failed)
}

// release runs the job teardown exactly once
func (r *Runner) release(rec *record) {
	if rec.teardown != nil {
		td := rec.teardown
		rec.teardown = nil
		td()
	}
	rec.step = nil
	rec.work = nil
}

func (r *Runner) teardownCancelled() int {
	n := 0
	for i, rec := range r.toCancel {
		if rec.index >= 0 {
			heap.Remove(&r.queue, rec.index)
		}
		if _, ok := r.running[rec.id]; ok {
			delete(r.running, rec.id)
		}
		r.release(rec)
		r.toCancel[i] = nil
		n++
	}
	r.toCancel = r.toCancel[:0]
	return n
}

// ============================================================================
// Completion events
// ============================================================================

// Finished returns the completion events announced during the last frame
func (r *Runner) Finished() []JobFinished {
	out := make([]JobFinished, len(r.events))
	copy(out, r.events)
	return out
}

// OnFinished registers a listener invoked synchronously for every completion event,
// right after the result becomes claimable
func (r *Runner) OnFinished(fn func(JobFinished)) {
	r.listeners = append(r.listeners, fn)
}

// ============================================================================
// Cancellation
// ============================================================================

// Cancel marks a job for cancellation. The job never steps again and its state is
// torn down at the start of the next frame. Cancelling an unknown, finished or
// already cancelled job does nothing.
//
// Returns:
//   - bool: true when the call marked the job
func (r *Runner) Cancel(id types.JobID) bool {
	if rec, ok := r.running[id]; ok {
		if rec.cancelled {
			return false
		}
		rec.cancelled = true
		r.toCancel = append(r.toCancel, rec)
		delete(r.watchers, id)
		r.log.Debug("job cancelled", "job", id)
		return true
	}

	if rec := r.sched.withdraw(id); rec != nil {
		rec.cancelled = true
		r.toCancel = append(r.toCancel, rec)
		delete(r.watchers, id)
		r.log.Debug("staged job withdrawn", "job", id)
		return true
	}
	return false
}

// ClearAll cancels every running and staged job and drops every unclaimed result
func (r *Runner) ClearAll() {
	cancelled := 0
	for id := range r.running {
		if r.Cancel(id) {
			cancelled++
		}
	}
	for _, rec := range r.sched.withdrawAll() {
		rec.cancelled = true
		r.toCancel = append(r.toCancel, rec)
		cancelled++
	}
	dropped := len(r.finished)
	clear(r.finished)
	clear(r.watchers)

	r.log.Info("cleared all jobs", "cancelled", cancelled, "dropped_results", dropped)
}

// ============================================================================
// Introspection
// ============================================================================

// Running returns the number of admitted jobs that have not finished
func (r *Runner) Running() int {
	return len(r.running)
}

// Unclaimed returns the number of finished results waiting for a claim
func (r *Runner) Unclaimed() int {
	return len(r.finished)
}

// Frame returns the number of frames run so far
func (r *Runner) Frame() uint64 {
	return r.frame
}

// LastStats returns the summary of the last frame. Safe for concurrent use.
func (r *Runner) LastStats() types.FrameStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.last
}
