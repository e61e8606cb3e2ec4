// ============================================================================
// framejobs Host - frame loop application
// ============================================================================
//
// Package: internal/host
// File: app.go
// Purpose: Wire the world, the job intake and runner, the frame timer, the asset
//          cache and storage, the command batching queue and the metrics collector
//          into one application driven one frame at a time.
//
// World resources installed by New:
//   *jobs.Scheduler  - jobs add follow-up jobs through it
//   *assets.Cache    - weak asset cache shared by every load
//   *assets.Storage  - byte source for ReadFile / ReadArchive
//   *batch.Queue     - deferred structural writes
//
// Frame (Update):
//   1. BeginFrame on the timer
//   2. Runner.RunFrame (the batch flush job runs first, at FlushPriority)
//   3. every SweepInterval frames, drop cache entries whose asset was collected
//   4. refresh the cache and batch gauges
//
// Run paces Update at the target frame period until the context is done or the
// requested number of frames has run.
//
// ============================================================================

package host

import (
	"context"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/frame-jobs/internal/assets"
	"github.com/ChuLiYu/frame-jobs/internal/batch"
	"github.com/ChuLiYu/frame-jobs/internal/config"
	"github.com/ChuLiYu/frame-jobs/internal/frame"
	"github.com/ChuLiYu/frame-jobs/internal/jobs"
	"github.com/ChuLiYu/frame-jobs/internal/metrics"
	"github.com/ChuLiYu/frame-jobs/internal/world"
	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

// ============================================================================
// Options
// ============================================================================

// Option customizes New
type Option func(*options)

type options struct {
	now      func() time.Time
	fsys     fs.FS
	registry *prometheus.Registry
	logger   *slog.Logger
}

// WithClock replaces the wall clock of the frame timer
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithFS loads assets from fsys instead of the configured root directory
func WithFS(fsys fs.FS) Option {
	return func(o *options) { o.fsys = fsys }
}

// WithRegistry registers the metrics with reg instead of a fresh registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLogger sets the base logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ============================================================================
// App
// ============================================================================

// App owns one frame loop and everything it drives
type App struct {
	session string
	cfg     *config.Config
	log     *slog.Logger

	World     *world.World
	Scheduler *jobs.Scheduler
	Runner    *jobs.Runner
	Timer     *frame.Timer
	Cache     *assets.Cache
	Storage   *assets.Storage
	Batch     *batch.Queue
	Metrics   *metrics.Collector
	Registry  *prometheus.Registry

	flush jobs.JobHandle[struct{}, struct{}, error]
	swept int
}

// New builds an application from cfg
//
// Parameters:
//   - cfg: validated configuration; nil uses config.Default()
//   - opts: clock, filesystem, registry and logger overrides
//
// Returns:
//   - *App: ready to Update; the batch flush job is already staged
func New(cfg *config.Config, opts ...Option) *App {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	session := uuid.NewString()
	log := o.logger.With("session", session)

	storage := assets.NewStorage(cfg.Assets.Root, cfg.Assets.ChunkSize)
	if o.fsys != nil {
		storage.FS = o.fsys
	}

	w := world.New()
	sched := jobs.NewScheduler()
	timer := frame.NewTimerWithClock(o.now)
	runner := jobs.NewRunner(sched, w, timer, cfg.Jobs())
	runner.SetLogger(log)

	cache := assets.NewCache()
	queue := batch.NewQueue(w, cfg.Batch.MaxBuffers)
	queue.SetLogger(log)

	w.SetResource(sched)
	w.SetResource(cache)
	w.SetResource(storage)
	w.SetResource(queue)

	collector := metrics.NewCollector(o.registry)
	runner.SetObserver(collector)

	a := &App{
		session:   session,
		cfg:       cfg,
		log:       log.With("component", "host"),
		World:     w,
		Scheduler: sched,
		Runner:    runner,
		Timer:     timer,
		Cache:     cache,
		Storage:   storage,
		Batch:     queue,
		Metrics:   collector,
		Registry:  o.registry,
	}
	a.flush = batch.RegisterFlush(sched)

	a.log.Info("frame loop ready",
		"target_frame", cfg.Runner.TargetFrame,
		"budget", cfg.Jobs().Budget(),
		"min_jobs", cfg.Runner.MinJobs)
	return a
}

// Session is the random id of this application instance
func (a *App) Session() string {
	return a.session
}

// Config returns the configuration the app was built from
func (a *App) Config() *config.Config {
	return a.cfg
}

// Update runs one frame
func (a *App) Update() types.FrameStats {
	a.Timer.BeginFrame()
	stats := a.Runner.RunFrame()

	if every := a.cfg.Runner.SweepInterval; every > 0 && stats.Frame%uint64(every) == 0 {
		if n := assets.ClearUnused(a.Cache); n > 0 {
			a.swept += n
			a.log.Debug("cache swept", "removed", n, "frame", stats.Frame)
		}
	}

	a.Metrics.UpdateCacheStats(a.Cache.Len(), a.Cache.Loading())
	a.Metrics.SetPendingBuffers(a.Batch.Pending())
	return stats
}

// FlushJob is the handle of the batch flush job staged by New
func (a *App) FlushJob() jobs.JobHandle[struct{}, struct{}, error] {
	return a.flush
}

// Swept returns the number of cache entries removed by periodic sweeps
func (a *App) Swept() int {
	return a.swept
}

// Run calls Update once per target frame period. It returns when ctx is done or,
// for frames > 0, after that many frames. Running out of frames is not an error.
func (a *App) Run(ctx context.Context, frames int) error {
	ticker := time.NewTicker(a.cfg.Runner.TargetFrame)
	defer ticker.Stop()

	for n := 0; frames <= 0 || n < frames; n++ {
		// a cancelled context wins over a ready tick
		if err := ctx.Err(); err != nil {
			return err
		}
		a.Update()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close cancels every job, the flush job included, and runs one last frame so that
// their teardown (deferred cleanup in task bodies) happens before returning
func (a *App) Close() {
	a.Runner.ClearAll()
	a.Update()
	applied, coalesced, failed := a.Batch.Stats()
	a.log.Info("frame loop stopped",
		"frames", a.Runner.Frame(),
		"jobs_added", a.Scheduler.Added(),
		"buffers_applied", applied,
		"buffers_coalesced", coalesced,
		"commands_failed", failed)
}
