// ============================================================================
// framejobs CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands around the frame loop
//
// Command Structure:
//   framejobs                      # Root command
//   ├── run [archive...]           # Load archives on the frame loop
//   │   ├── --kind, -k            # raw | tileset | tilemap | map
//   │   ├── --frames              # stop after N frames (0 = until done)
//   │   └── --priority            # job priority of every load
//   ├── pack <source> <archive>    # Build an archive from YAML or raw bytes
//   │   └── --kind, -k            # raw | tileset | tilemap
//   ├── inspect <archive>          # Print archive sizes and decoded summary
//   ├── status                     # Print the effective configuration
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// Configuration:
//   When --config is not given and configs/default.yaml does not exist, the
//   built-in defaults are used.
//
// run Command:
//   1. Load config and build the logger
//   2. Build the host app; start diagnostics when enabled
//   3. Stage one load job per archive and register a completion callback
//   4. Drive frames until every load finished, --frames ran out, or
//      SIGINT/SIGTERM arrives
//   5. Tear the app down and print a summary per load
//
//   Examples:
//     ./framejobs run -k map maps/overworld.map
//     ./framejobs run -c custom.yaml --frames 600 tiles/a.ts tiles/b.ts
//
// pack Command:
//   tileset source (YAML):
//     name: grass
//     tile_width: 16
//     tile_height: 16
//     columns: 8
//     tile_count: 64
//     image: grass.png        # relative to the source file
//
//   tilemap source (YAML):
//     width: 2
//     height: 1
//     tilesets: [tiles/grass.ts]
//     layers:
//       - name: ground
//         tiles: [1, 2]
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/frame-jobs/internal/assets"
	"github.com/ChuLiYu/frame-jobs/internal/config"
	"github.com/ChuLiYu/frame-jobs/internal/diag"
	"github.com/ChuLiYu/frame-jobs/internal/host"
	"github.com/ChuLiYu/frame-jobs/internal/jobs"
	"github.com/ChuLiYu/frame-jobs/internal/logging"
)

const defaultConfigPath = "configs/default.yaml"

var configFile string

// BuildCLI assembles the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "framejobs",
		Short: "framejobs: a frame-synchronous cooperative job runner",
		Long: `framejobs drives cooperative jobs one step at a time inside a per-frame
time budget, with:
- prioritized, budgeted job steps
- coroutine style tasks
- a weak asset cache with shared in-flight loads
- deferred command batching`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPackCommand())
	rootCmd.AddCommand(buildInspectCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig reads path. A missing default file falls back to the built-in
// defaults; a missing explicit file is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func configFromCommand(cmd *cobra.Command) (*config.Config, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := loadConfig(configFile, explicit)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	// Validate already rejected unknown levels
	level, _ := logging.ParseLevel(cfg.Log.Level)
	return logging.NewLoggerWithWriter(level, cfg.Log.Format, w)
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	kind     string
	frames   int
	priority int
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [archive...]",
		Short: "Start the frame loop and load archives on it",
		Long:  "Stage one load job per archive, drive frames at the configured rate until every load finished, and print a summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCommand(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runLoads(ctx, cmd.OutOrStdout(), cfg, logger, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.kind, "kind", "k", "raw", fmt.Sprintf("asset kind %v", assets.Kinds()))
	cmd.Flags().IntVar(&opts.frames, "frames", 0, "stop after this many frames (0 = until all loads finish)")
	cmd.Flags().IntVar(&opts.priority, "priority", 0, "priority of the load jobs (lower runs first)")

	return cmd
}

// loadReport is the outcome of one archive load
type loadReport struct {
	path    string
	done    bool
	summary assets.Summary
	err     error
}

// runLoads drives an app until the loads finish or ctx is done
func runLoads(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, opts runOptions, paths []string, hostOpts ...host.Option) error {
	hostOpts = append([]host.Option{host.WithLogger(logger)}, hostOpts...)
	app := host.New(cfg, hostOpts...)

	loopCtx, finish := context.WithCancelCause(ctx)
	defer finish(nil)

	if cfg.Diag.Enabled {
		srv := diag.New(app.Session(), app.Runner, app.Registry, logger)
		if err := srv.Start(cfg.Diag.HTTPAddr, cfg.Diag.GRPCAddr); err != nil {
			return fmt.Errorf("failed to start diagnostics: %w", err)
		}
		srv.SetServing(true)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("diagnostics shutdown", "error", err)
			}
		}()
		// a diagnostics transport that dies stops the frame loop
		go func() {
			select {
			case err := <-srv.Errors():
				finish(fmt.Errorf("diagnostics: %w", err))
			case <-loopCtx.Done():
			}
		}()
	}

	reports := make([]*loadReport, len(paths))
	remaining := len(paths)
	for i, path := range paths {
		h, err := assets.LoadKind(app.Scheduler, opts.priority, opts.kind, path)
		if err != nil {
			app.Close()
			return err
		}
		rep := &loadReport{path: path}
		reports[i] = rep
		jobs.Then(app.Runner, h, func(res jobs.Result[assets.Summary, error]) {
			rep.done = true
			rep.summary, rep.err = res.Value, res.Err
			remaining--
			if remaining == 0 {
				finish(nil)
			}
		})
	}
	if remaining == 0 && opts.frames == 0 {
		// nothing to wait for; run a single frame so the loop is exercised
		opts.frames = 1
	}

	started := time.Now()
	err := app.Run(loopCtx, opts.frames)
	interrupted := ctx.Err() != nil
	app.Close()

	if cause := context.Cause(loopCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("frame loop: %w", err)
	}

	return printReports(out, reports, app.Runner.Frame(), time.Since(started), interrupted)
}

func printReports(out io.Writer, reports []*loadReport, frames uint64, elapsed time.Duration, interrupted bool) error {
	fmt.Fprintf(out, "Ran %d frames in %s\n", frames, elapsed.Round(time.Millisecond))
	if interrupted {
		fmt.Fprintln(out, "Interrupted before every load finished")
	}

	failed, pending := 0, 0
	for _, rep := range reports {
		switch {
		case !rep.done:
			pending++
			fmt.Fprintf(out, "  ⏳ %s: not finished\n", rep.path)
		case rep.err != nil:
			failed++
			fmt.Fprintf(out, "  ❌ %s: %v\n", rep.path, rep.err)
		default:
			s := rep.summary
			fmt.Fprintf(out, "  ✅ %s (%s, %s)", s.Path, s.Kind, humanize.Bytes(uint64(s.Bytes)))
			if s.Detail != "" {
				fmt.Fprintf(out, ": %s", s.Detail)
			}
			fmt.Fprintln(out)
		}
	}

	if failed > 0 || pending > 0 {
		return fmt.Errorf("%d of %d loads failed, %d unfinished", failed, len(reports), pending)
	}
	return nil
}

// ============================================================================
// pack
// ============================================================================

// tilesetSource is the YAML form of a tileset, with the image as a file reference
type tilesetSource struct {
	assets.Tileset `yaml:",inline"`
	Image          string `yaml:"image"`
}

func buildPackCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "pack <source> <archive>",
		Short: "Encode a source file into an LZ4 archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, written, err := packFile(kind, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Packed %s -> %s (%s raw, %s archived)\n",
				args[0], args[1], humanize.Bytes(uint64(raw)), humanize.Bytes(uint64(written)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "raw", "source kind: raw, tileset or tilemap")
	return cmd
}

// packFile encodes src according to kind and writes the archive to dst
//
// Returns:
//   - raw: uncompressed payload size
//   - written: archive size on disk
func packFile(kind, src, dst string) (raw, written int, err error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read source: %w", err)
	}

	var payload []byte
	switch kind {
	case "raw":
		payload = data
	case "tileset":
		var ts tilesetSource
		if err := yaml.Unmarshal(data, &ts); err != nil {
			return 0, 0, fmt.Errorf("failed to parse tileset YAML: %w", err)
		}
		if ts.Image != "" {
			img, err := os.ReadFile(filepath.Join(filepath.Dir(src), ts.Image))
			if err != nil {
				return 0, 0, fmt.Errorf("failed to read tileset image: %w", err)
			}
			ts.Tileset.Image = img
		}
		payload = ts.Tileset.Marshal()
	case "tilemap":
		var tm assets.Tilemap
		if err := yaml.Unmarshal(data, &tm); err != nil {
			return 0, 0, fmt.Errorf("failed to parse tilemap YAML: %w", err)
		}
		if err := tm.Validate(); err != nil {
			return 0, 0, err
		}
		payload = tm.Marshal()
	default:
		return 0, 0, fmt.Errorf("%w: %q (want raw, tileset or tilemap)", assets.ErrUnknownKind, kind)
	}

	written, err = assets.WriteArchive(dst, payload)
	if err != nil {
		return 0, 0, err
	}
	return len(payload), written, nil
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Print archive sizes and a decoded summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectArchive(cmd.OutOrStdout(), args[0], kind)
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "raw", "payload kind: raw, tileset or tilemap")
	return cmd
}

func inspectArchive(out io.Writer, path, kind string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	raw, err := assets.DecodeArchive(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Archive:    %s\n", path)
	fmt.Fprintf(out, "Compressed: %s\n", humanize.Bytes(uint64(len(data))))
	fmt.Fprintf(out, "Payload:    %s\n", humanize.Bytes(uint64(len(raw))))
	if len(raw) > 0 {
		fmt.Fprintf(out, "Ratio:      %.1f%%\n", float64(len(data))/float64(len(raw))*100)
	}

	switch kind {
	case "raw":
	case "tileset":
		var ts assets.Tileset
		if err := ts.Unmarshal(raw); err != nil {
			return err
		}
		fmt.Fprintf(out, "Tileset:    %s, %dx%d px tiles, %d columns, %d tiles, %s image\n",
			ts.Name, ts.TileWidth, ts.TileHeight, ts.Columns, ts.TileCount, humanize.Bytes(uint64(len(ts.Image))))
	case "tilemap":
		var tm assets.Tilemap
		if err := tm.Unmarshal(raw); err != nil {
			return err
		}
		fmt.Fprintf(out, "Tilemap:    %dx%d, %d layers\n", tm.Width, tm.Height, len(tm.Layers))
		for _, ts := range tm.Tilesets {
			fmt.Fprintf(out, "  tileset   %s\n", ts)
		}
		for _, l := range tm.Layers {
			fmt.Fprintf(out, "  layer     %s (%d tiles)\n", l.Name, len(l.Tiles))
		}
	default:
		return fmt.Errorf("%w: %q (want raw, tileset or tilemap)", assets.ErrUnknownKind, kind)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCommand(cmd)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(out io.Writer, cfg *config.Config) error {
	jc := cfg.Jobs()

	fmt.Fprintln(out, "framejobs status")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "📋 Frame loop:")
	fmt.Fprintf(out, "  ├─ Config File:    %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Target Frame:   %s (%.0f Hz)\n", jc.TargetFrame, float64(time.Second)/float64(jc.TargetFrame))
	fmt.Fprintf(out, "  ├─ Job Budget:     %s\n", jc.Budget())
	fmt.Fprintf(out, "  ├─ Min Jobs:       %d\n", jc.MinJobs)
	fmt.Fprintf(out, "  └─ Cache Sweep:    every %d frames\n", cfg.Runner.SweepInterval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Assets:")
	fmt.Fprintf(out, "  ├─ Root:           %s\n", cfg.Assets.Root)
	fmt.Fprintf(out, "  └─ Read Chunk:     %s\n", humanize.IBytes(uint64(cfg.Assets.ChunkSize)))
	fmt.Fprintf(out, "📦 Command Buffers:  %d max pending\n", cfg.Batch.MaxBuffers)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Diagnostics:")
	if cfg.Diag.Enabled {
		fmt.Fprintf(out, "  ├─ HTTP:           %s (/metrics, /debug/jobs, /healthz)\n", cfg.Diag.HTTPAddr)
		fmt.Fprintf(out, "  └─ gRPC health:    %s\n", cfg.Diag.GRPCAddr)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	fmt.Fprintln(out)

	doc, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Effective configuration:")
	_, err = out.Write(doc)
	return err
}
