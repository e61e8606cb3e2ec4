// Command demo packs a small scene into a temporary directory and loads it on the
// frame loop while a few background jobs compete for the budget. Every frame prints
// one line of runner stats.
//
//	go run ./cmd/demo
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/ChuLiYu/frame-jobs/internal/assets"
	"github.com/ChuLiYu/frame-jobs/internal/batch"
	"github.com/ChuLiYu/frame-jobs/internal/config"
	"github.com/ChuLiYu/frame-jobs/internal/host"
	"github.com/ChuLiYu/frame-jobs/internal/jobs"
	"github.com/ChuLiYu/frame-jobs/internal/logging"
	"github.com/ChuLiYu/frame-jobs/internal/world"
)

// Tile is the component spawned for every non-empty map cell
type Tile struct {
	X, Y, ID uint32
}

func main() {
	root, err := os.MkdirTemp("", "framejobs-demo-")
	if err != nil {
		log.Fatalf("Failed to create scene dir: %v", err)
	}
	defer os.RemoveAll(root)

	if err := packScene(root); err != nil {
		log.Fatalf("Failed to pack scene: %v", err)
	}

	cfg := config.Default()
	cfg.Assets.Root = root
	cfg.Assets.ChunkSize = 64 << 10
	cfg.Runner.SweepInterval = 10

	logger := logging.NewLogger(slog.LevelInfo, "text")
	app := host.New(cfg, host.WithLogger(logger))
	defer app.Close()

	fmt.Printf("✓ Scene packed in %s (session %s)\n", root, app.Session())

	// background work competing with the load
	for i := 0; i < 3; i++ {
		jobs.AddAsync(app.Scheduler, 10+i, func(y *jobs.Yielder) (int, error) {
			sum := 0
			for n := 0; n < 200; n++ {
				sum += n * i
				y.Yield()
			}
			return sum, nil
		})
	}

	scene := jobs.AddTask(app.Scheduler, 0, func(co *jobs.Co) (int, error) {
		m, err := assets.LoadMap(co, "maps/world.map")
		if err != nil {
			return 0, err
		}
		spawned := 0
		for _, layer := range m.Tilemap.Layers {
			n := jobs.WithWorld(co, func(w *world.World) int {
				cb := world.MustResource[*batch.Queue](w).Commands()
				count := 0
				for idx, id := range layer.Tiles {
					if id == 0 {
						continue
					}
					x, y := uint32(idx)%m.Tilemap.Width, uint32(idx)/m.Tilemap.Width
					cb.Spawn(Tile{X: x, Y: y, ID: id})
					count++
				}
				return count
			})
			spawned += n
		}
		return spawned, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loaded := false
	jobs.Then(app.Runner, scene, func(res jobs.Result[int, error]) {
		if res.Failed {
			fmt.Printf("❌ Scene failed: %v\n", res.Err)
		} else {
			fmt.Printf("✓ Scene loaded, %d tiles queued for spawn\n", res.Value)
		}
		loaded = true
	})

	for frame := 0; frame < 500; frame++ {
		if ctx.Err() != nil {
			fmt.Println("\nInterrupted")
			return
		}
		stats := app.Update()
		fmt.Printf("frame %3d  steps=%3d skipped=%d running=%d job_time=%s over_budget=%v loading=%v\n",
			stats.Frame, stats.Steps, stats.Skipped, stats.Running, stats.JobTime,
			stats.OverBudget, batch.IsLoading(app.World))

		if loaded && app.Batch.Pending() == 0 && app.Runner.Running() == 1 {
			break
		}
	}

	fmt.Printf("\n📊 World: %d entities, %d tiles, cache entries %d\n",
		app.World.Len(), len(world.Query[Tile](app.World)), app.Cache.Len())
}

// packScene writes two tilesets with random images and a 64x64 two-layer map
func packScene(root string) error {
	for _, name := range []string{"grass", "rock"} {
		img := make([]byte, 256<<10)
		for i := range img {
			img[i] = byte(rand.IntN(256))
		}
		ts := assets.Tileset{Name: name, TileWidth: 16, TileHeight: 16, Columns: 32, TileCount: 1024, Image: img}
		n, err := assets.WriteArchive(filepath.Join(root, "tiles", name+".ts"), ts.Marshal())
		if err != nil {
			return err
		}
		fmt.Printf("  packed tileset %-6s %s\n", name, humanize.Bytes(uint64(n)))
	}

	const size = 64
	tm := assets.Tilemap{
		Width:    size,
		Height:   size,
		Tilesets: []string{"tiles/grass.ts", "tiles/rock.ts"},
	}
	for _, name := range []string{"ground", "detail"} {
		layer := assets.Layer{Name: name, Tiles: make([]uint32, size*size)}
		for i := range layer.Tiles {
			if name == "ground" || rand.IntN(8) == 0 {
				layer.Tiles[i] = uint32(1 + rand.IntN(1024))
			}
		}
		tm.Layers = append(tm.Layers, layer)
	}
	_, err := assets.WriteArchive(filepath.Join(root, "maps", "world.map"), tm.Marshal())
	return err
}
