package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xtxerr/pulse/config"
	"github.com/xtxerr/pulse/engine"
	"github.com/xtxerr/pulse/export"
	"github.com/xtxerr/pulse/internal/logging"
	"github.com/xtxerr/pulse/metric"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "drive an engine with synthetic producers",
		RunE:  runBench,
	}

	flags := cmd.Flags()
	flags.String("config", "", "engine config file (YAML)")
	flags.IntP("producers", "p", 4, "number of producer goroutines")
	flags.DurationP("duration", "d", 10*time.Second, "how long to run")
	flags.IntP("rate", "r", 0, "per-producer operations per second (0 means unlimited)")
	flags.Int("capacity", 0, "buffer pool capacity (overrides config)")
	flags.Int("batch", 0, "samples per buffer (overrides config)")
	flags.Duration("window", 0, "window duration (overrides config)")
	flags.Float64("accuracy", 0, "histogram relative accuracy (overrides config)")
	flags.StringP("out", "o", "", "directory for Parquet snapshot dumps (empty disables export)")
	flags.String("compression", "zstd", "Parquet compression: none, snappy, zstd, lz4, gzip")
	flags.Bool("verbose", false, "debug logging")

	return cmd
}

func runBench(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	verbose, _ := flags.GetBool("verbose")
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logging.Init(level, false)

	cfg := config.DefaultConfig()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if v, _ := flags.GetInt("capacity"); v > 0 {
		cfg.Engine.Capacity = v
	}
	if v, _ := flags.GetInt("batch"); v > 0 {
		cfg.Engine.BatchSize = v
	}
	if v, _ := flags.GetDuration("window"); v > 0 {
		cfg.Engine.WindowDuration = v
	}
	if v, _ := flags.GetFloat64("accuracy"); v > 0 {
		cfg.Engine.Accuracy = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	producers, _ := flags.GetInt("producers")
	duration, _ := flags.GetDuration("duration")
	opsRate, _ := flags.GetInt("rate")
	outDir, _ := flags.GetString("out")
	compression, _ := flags.GetString("compression")

	if producers < 1 {
		return fmt.Errorf("producers must be at least 1, got %d", producers)
	}

	run := ulid.Make().String()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d producers, %v, rate %d/s\n", run, producers, duration, opsRate)

	agg, ctl := engine.New(engine.OptionsFromConfig(cfg.Engine))
	go agg.Run()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	runCtx, runCancel := context.WithTimeout(ctx, duration)
	defer runCancel()

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < producers; i++ {
		id := strconv.Itoa(i)
		g.Go(func() error {
			return produce(gctx, agg, id, opsRate)
		})
	}

	pollSnapshots(runCtx, cmd, ctl, run, outDir, compression)

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return fmt.Errorf("producer: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	final, err := ctl.Snapshot(shutdownCtx, engine.LastK(cfg.Engine.RetainedWindows+1))
	if err == nil {
		printSnapshot(cmd, final, "final")
		if outDir != "" {
			path := filepath.Join(outDir, fmt.Sprintf("%s-final.parquet", run))
			opts := export.Options{Compression: export.ParseCompressionType(compression)}
			if err := export.WriteSnapshot(path, run, final, opts); err != nil {
				return fmt.Errorf("export final snapshot: %w", err)
			}
			fmt.Fprintf(out, "exported %s\n", path)
		}
	}

	if err := ctl.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	stats := agg.Stats()
	fmt.Fprintf(out, "merged %d samples in %d buffers, %d rotations, %d checkout waits\n",
		stats.SamplesMerged, stats.BuffersDrained, stats.Rotations, stats.Pool.Waits)
	return nil
}

// produce runs one producer loop until ctx is cancelled. Every
// iteration bumps a shared counter, times its own body, and publishes
// the iteration count as a per-producer gauge.
func produce(ctx context.Context, agg *engine.Aggregator, id string, opsRate int) error {
	src := agg.NewSource()
	defer src.Close()

	var limiter *rate.Limiter
	if opsRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opsRate), 1)
	}

	gaugeKey := metric.KeyWithLabels("bench.iterations", map[string]string{"producer": id})

	var iterations int64
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		} else if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		if err := src.RecordCounter("bench.ops", 1); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		iterations++
		if err := src.RecordGauge(gaugeKey, iterations); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := src.RecordTiming("bench.loop_ns", start, time.Now()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// pollSnapshots prints a one-line progress summary every second until
// ctx is cancelled, exporting each polled snapshot when outDir is set.
func pollSnapshots(ctx context.Context, cmd *cobra.Command, ctl *engine.Control, run, outDir, compression string) {
	out := cmd.OutOrStdout()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// One closed window per tick when the window duration matches
		// the poll interval, so the in-window count reads as a rate.
		// Exact totals come from the final full-retention snapshot;
		// the ticker drifts against rotation, so summing these windows
		// would miscount.
		snap, err := ctl.Snapshot(ctx, engine.LastClosed())
		if err != nil {
			return
		}

		ops, _ := snap.Counter("bench.ops")
		d, _ := snap.Histogram("bench.loop_ns")
		fmt.Fprintf(out, "ops/s %8d  loop p50 %8.0fns  p99 %8.0fns\n",
			ops, d.P50, d.P99)

		if outDir != "" {
			seq++
			path := filepath.Join(outDir, fmt.Sprintf("%s-%04d.parquet", run, seq))
			opts := export.Options{Compression: export.ParseCompressionType(compression)}
			if err := export.WriteSnapshot(path, run, snap, opts); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "export: %v\n", err)
			}
		}
	}
}

func printSnapshot(cmd *cobra.Command, snap *metric.Snapshot, label string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s snapshot (%d keys, window %dms..%dms):\n",
		label, snap.Len(), snap.WindowStartMs, snap.WindowEndMs)
	for _, key := range snap.Keys() {
		if v, ok := snap.Counter(key); ok {
			fmt.Fprintf(out, "  %-40s counter %d\n", key, v)
			continue
		}
		if v, ok := snap.Gauge(key); ok {
			fmt.Fprintf(out, "  %-40s gauge %d\n", key, v)
			continue
		}
		if d, ok := snap.Histogram(key); ok {
			fmt.Fprintf(out, "  %-40s count %d  min %d  p50 %.0f  p99 %.0f  max %d\n",
				key, d.Count, d.Min, d.P50, d.P99, d.Max)
		}
	}
}
