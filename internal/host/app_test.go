package host

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/frame-jobs/internal/assets"
	"github.com/ChuLiYu/frame-jobs/internal/batch"
	"github.com/ChuLiYu/frame-jobs/internal/config"
	"github.com/ChuLiYu/frame-jobs/internal/frame"
	"github.com/ChuLiYu/frame-jobs/internal/jobs"
	"github.com/ChuLiYu/frame-jobs/internal/world"
	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type marker struct{ name string }

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tilesetArchive(t *testing.T, name string) []byte {
	t.Helper()
	ts := assets.Tileset{Name: name, TileWidth: 16, TileHeight: 16, Columns: 8, TileCount: 64}
	data, err := assets.EncodeArchive(ts.Marshal())
	require.NoError(t, err)
	return data
}

func newTestApp(t *testing.T, cfg *config.Config, files fstest.MapFS) (*App, *prometheus.Registry) {
	t.Helper()

	if cfg == nil {
		cfg = config.Default()
	}
	clock := &frame.StepClock{Current: time.Unix(0, 0), Step: time.Millisecond}
	reg := prometheus.NewRegistry()
	app := New(cfg,
		WithClock(clock.Now),
		WithFS(files),
		WithRegistry(reg),
		WithLogger(quiet()))
	return app, reg
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

// ============================================================================
// Wiring
// ============================================================================

func TestNew_InstallsResources(t *testing.T) {
	app, _ := newTestApp(t, nil, fstest.MapFS{})

	assert.Same(t, app.Scheduler, world.MustResource[*jobs.Scheduler](app.World))
	assert.Same(t, app.Cache, world.MustResource[*assets.Cache](app.World))
	assert.Same(t, app.Storage, world.MustResource[*assets.Storage](app.World))
	assert.Same(t, app.Batch, world.MustResource[*batch.Queue](app.World))
	assert.Len(t, app.Session(), 36)

	assert.Equal(t, 1, app.Scheduler.Pending(), "flush job is staged")
	assert.Equal(t, uint64(1), app.Scheduler.Added())
	assert.Equal(t, types.StatusNotStarted, jobs.Progress(app.Runner, app.FlushJob()).State)

	app.Update()
	assert.Equal(t, 1, app.Runner.Running(), "flush job never finishes")
	assert.Equal(t, types.StatusInProgress, jobs.Progress(app.Runner, app.FlushJob()).State)
}

func TestNew_DistinctSessions(t *testing.T) {
	a, _ := newTestApp(t, nil, fstest.MapFS{})
	b, _ := newTestApp(t, nil, fstest.MapFS{})
	assert.NotEqual(t, a.Session(), b.Session())
}

// ============================================================================
// Frames
// ============================================================================

func TestUpdate_LoadsAssetThroughCache(t *testing.T) {
	files := fstest.MapFS{"tiles/grass.ts": {Data: tilesetArchive(t, "grass")}}
	app, reg := newTestApp(t, nil, files)

	h := assets.Load[assets.Tileset](app.Scheduler, 0, "tiles/grass.ts")

	var res jobs.Result[*assets.Tileset, error]
	for i := 0; i < 10; i++ {
		app.Update()
		var ok bool
		if res, ok = jobs.TryClaim(app.Runner, h); ok {
			break
		}
	}
	require.True(t, res.Succeeded(), "load did not finish: %v", res.Err)
	assert.Equal(t, "grass", res.Value.Name)
	assert.Same(t, res.Value, assets.Get[assets.Tileset](app.Cache, "tiles/grass.ts"))

	app.Update()
	assert.Equal(t, float64(1), gauge(t, reg, "framejobs_cache_entries"))
	assert.Equal(t, float64(0), gauge(t, reg, "framejobs_cache_loads_in_flight"))
	runtime.KeepAlive(res.Value)
}

func TestUpdate_AppliesDeferredCommands(t *testing.T) {
	app, reg := newTestApp(t, nil, fstest.MapFS{})

	var spawned world.Entity
	jobs.AddTask(app.Scheduler, 0, func(co *jobs.Co) (struct{}, error) {
		spawned = jobs.WithWorld(co, func(w *world.World) world.Entity {
			return world.MustResource[*batch.Queue](w).Commands().Spawn(marker{"tree"})
		})
		return struct{}{}, nil
	})

	app.Update()
	assert.False(t, app.World.Alive(spawned), "spawn waits for the flush job")
	assert.Equal(t, float64(1), gauge(t, reg, "framejobs_command_buffers_pending"))
	assert.True(t, batch.IsLoading(app.World))

	app.Update()
	got, ok := world.Get[marker](app.World, spawned)
	require.True(t, ok)
	assert.Equal(t, "tree", got.name)
	assert.Equal(t, float64(0), gauge(t, reg, "framejobs_command_buffers_pending"))
	assert.False(t, batch.IsLoading(app.World))
}

func TestUpdate_PeriodicSweep(t *testing.T) {
	cfg := config.Default()
	cfg.Runner.SweepInterval = 3
	app, _ := newTestApp(t, cfg, fstest.MapFS{})

	func() {
		a := assets.Insert(app.Cache, "gone", &assets.Raw{Data: make([]byte, 64)})
		runtime.KeepAlive(a)
	}()
	runtime.GC()
	runtime.GC()

	app.Update()
	app.Update()
	assert.Equal(t, 0, app.Swept(), "no sweep before the interval")
	assert.Equal(t, 1, app.Cache.Len())

	app.Update()
	assert.Equal(t, 1, app.Swept())
	assert.Equal(t, 0, app.Cache.Len())
}

func TestRun_StopsAfterFrames(t *testing.T) {
	cfg := config.Default()
	cfg.Runner.TargetFrame = time.Millisecond
	cfg.Runner.FrameMargin = 0
	app, _ := newTestApp(t, cfg, fstest.MapFS{})

	require.NoError(t, app.Run(context.Background(), 3))
	assert.Equal(t, uint64(3), app.Runner.Frame())
}

func TestRun_ContextCancel(t *testing.T) {
	app, _ := newTestApp(t, nil, fstest.MapFS{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, app.Run(ctx, 0), context.Canceled)
	assert.Equal(t, uint64(0), app.Runner.Frame())
}

func TestClose_TearsDownTasks(t *testing.T) {
	app, _ := newTestApp(t, nil, fstest.MapFS{})

	cleaned := false
	jobs.AddTask(app.Scheduler, 0, func(co *jobs.Co) (struct{}, error) {
		defer func() { cleaned = true }()
		for {
			co.WaitFrame()
		}
	})
	app.Update()
	require.False(t, cleaned)

	app.Close()
	assert.True(t, cleaned)
	assert.Equal(t, 0, app.Runner.Running())
	assert.Equal(t, types.StatusUnknown, jobs.Progress(app.Runner, app.FlushJob()).State)
}
