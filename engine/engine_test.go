package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/xtxerr/pulse/histogram"
	"github.com/xtxerr/pulse/internal/testutil"
	"github.com/xtxerr/pulse/metric"
)

// startEngine runs an aggregator with test-friendly timing and shuts
// it down when the test ends.
func startEngine(t *testing.T, opts Options) (*Aggregator, *Control) {
	t.Helper()
	if opts.WindowDuration == 0 {
		opts.WindowDuration = 100 * time.Millisecond
	}
	if opts.IdleWait == 0 {
		opts.IdleWait = 5 * time.Millisecond
	}
	if opts.RetainedWindows == 0 {
		opts.RetainedWindows = 10
	}

	agg, ctl := New(opts)
	go agg.Run()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	})
	return agg, ctl
}

// awaitCounter polls until the scope's counter for key reaches want.
func awaitCounter(t *testing.T, ctl *Control, scope Scope, key metric.Key, want int64) {
	t.Helper()
	var last int64
	err := testutil.Eventually(2*time.Second, 2*time.Millisecond, func() bool {
		snap, err := ctl.Snapshot(context.Background(), scope)
		if err != nil {
			return false
		}
		last, _ = snap.Counter(key)
		return last == want
	})
	if err != nil {
		t.Fatalf("counter %q = %d, want %d", key, last, want)
	}
}

func TestEngine_CounterAcrossSources(t *testing.T) {
	agg, ctl := startEngine(t, Options{Capacity: 4, BatchSize: 2, WindowDuration: time.Hour})

	a := agg.NewSource()
	b := agg.NewSource()

	for _, src := range []*Source{a, b} {
		for i := 0; i < 2; i++ {
			if err := src.RecordCounter("ops", 1); err != nil {
				t.Fatalf("record: %v", err)
			}
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	awaitCounter(t, ctl, Current(), "ops", 4)
}

func TestEngine_PartialBatchFlushedOnClose(t *testing.T) {
	agg, ctl := startEngine(t, Options{Capacity: 4, BatchSize: 64, WindowDuration: time.Hour})

	src := agg.NewSource()
	if err := src.RecordCounter("ops", 3); err != nil {
		t.Fatalf("record: %v", err)
	}
	// One sample in a 64-slot batch: nothing flushed yet.
	snap, err := ctl.Snapshot(context.Background(), Current())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap.Counter("ops"); ok {
		t.Error("partial batch visible before flush")
	}

	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	awaitCounter(t, ctl, Current(), "ops", 3)
}

func TestEngine_GaugeLastClosedWindow(t *testing.T) {
	agg, ctl := startEngine(t, Options{Capacity: 4, BatchSize: 2, WindowDuration: 150 * time.Millisecond})

	src := agg.NewSource()
	for _, v := range []int64{5, 3, 9} {
		if err := src.RecordGauge("depth", v); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Confirm the samples landed in the open window, then wait for it
	// to close.
	err := testutil.Eventually(time.Second, 2*time.Millisecond, func() bool {
		snap, err := ctl.Snapshot(context.Background(), Current())
		if err != nil {
			return false
		}
		v, ok := snap.Gauge("depth")
		return ok && v == 9
	})
	if err != nil {
		t.Fatalf("gauge never reached the open window: %v", err)
	}

	err = testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		snap, err := ctl.Snapshot(context.Background(), LastClosed())
		if err != nil {
			return false
		}
		v, ok := snap.Gauge("depth")
		return ok && v == 9
	})
	if err != nil {
		t.Fatalf("closed window gauge: %v", err)
	}
}

func TestEngine_HistogramQuantiles(t *testing.T) {
	agg, ctl := startEngine(t, Options{
		Capacity:        8,
		BatchSize:       128,
		WindowDuration:  50 * time.Millisecond,
		RetainedWindows: 100,
		DefaultAccuracy: 0.01,
	})

	src := agg.NewSource()
	// 10k observations uniform over [1, 1000].
	for i := 0; i < 10000; i++ {
		if err := src.RecordHistogram("lat", int64(i%1000)+1); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The run may span several rotations; LastK over the full
	// retention merges them all back together.
	var d metric.Distribution
	err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		snap, err := ctl.Snapshot(context.Background(), LastK(101))
		if err != nil {
			return false
		}
		var ok bool
		d, ok = snap.Histogram("lat")
		return ok && d.Count == 10000
	})
	if err != nil {
		t.Fatalf("histogram count = %d, want 10000", d.Count)
	}

	if d.Min != 1 || d.Max != 1000 {
		t.Errorf("min/max = %d/%d, want 1/1000", d.Min, d.Max)
	}
	if math.Abs(d.P50-500)/500 > 0.03 {
		t.Errorf("p50 = %g, want within 3%% of 500", d.P50)
	}
	if math.Abs(d.P99-990)/990 > 0.03 {
		t.Errorf("p99 = %g, want within 3%% of 990", d.P99)
	}
}

func TestEngine_KindConflictSkipsSample(t *testing.T) {
	agg, ctl := startEngine(t, Options{Capacity: 4, BatchSize: 1, WindowDuration: time.Hour})

	src := agg.NewSource()
	if err := src.RecordCounter("x", 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Same key, different kind: accepted at the API, dropped at merge.
	if err := src.RecordGauge("x", 7); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	awaitCounter(t, ctl, Current(), "x", 1)

	err := testutil.Eventually(time.Second, 2*time.Millisecond, func() bool {
		return agg.Stats().KindConflicts == 1
	})
	if err != nil {
		t.Errorf("kind conflicts = %d, want 1", agg.Stats().KindConflicts)
	}

	snap, _ := ctl.Snapshot(context.Background(), Current())
	if _, ok := snap.Gauge("x"); ok {
		t.Error("conflicting sample reached the window")
	}
}

func TestEngine_RecordValidation(t *testing.T) {
	agg, _ := startEngine(t, Options{Capacity: 2, BatchSize: 4})

	src := agg.NewSource()
	defer src.Close()

	if err := src.RecordCounter("", 1); !errors.Is(err, metric.ErrEmptyKey) {
		t.Errorf("empty key: got %v", err)
	}
	if err := src.Record("k", metric.Kind(42), 1); !errors.Is(err, metric.ErrInvalidKind) {
		t.Errorf("bad kind: got %v", err)
	}
}

func TestEngine_SourceClose(t *testing.T) {
	agg, _ := startEngine(t, Options{Capacity: 2, BatchSize: 4})

	src := agg.NewSource()
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := src.RecordCounter("ops", 1); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("record after close: got %v", err)
	}
}

func TestEngine_Configure(t *testing.T) {
	agg, ctl := startEngine(t, Options{Capacity: 4, BatchSize: 1, WindowDuration: time.Hour})
	ctx := context.Background()

	if err := ctl.Configure(ctx, "lat", metric.Facet{Kind: metric.KindHistogram, Accuracy: 0.02}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	// Same kind again is fine.
	if err := ctl.Configure(ctx, "lat", metric.Facet{Kind: metric.KindHistogram, Accuracy: 0.02}); err != nil {
		t.Errorf("reconfigure same: %v", err)
	}

	// Different kind for an established key.
	err := ctl.Configure(ctx, "lat", metric.Facet{Kind: metric.KindCounter})
	if !errors.Is(err, ErrKindMismatch) {
		t.Errorf("kind change: got %v, want ErrKindMismatch", err)
	}
	if !IsConfigError(err) {
		t.Errorf("IsConfigError(%v) = false", err)
	}

	// Invalid accuracy.
	err = ctl.Configure(ctx, "lat2", metric.Facet{Kind: metric.KindHistogram, Accuracy: 0.5})
	if !errors.Is(err, histogram.ErrInvalidAccuracy) {
		t.Errorf("bad accuracy: got %v", err)
	}

	// Empty key.
	if err := ctl.Configure(ctx, "", metric.Facet{Kind: metric.KindCounter}); !errors.Is(err, metric.ErrEmptyKey) {
		t.Errorf("empty key: got %v", err)
	}

	// Accuracy change before any data is allowed.
	if err := ctl.Configure(ctx, "lat", metric.Facet{Kind: metric.KindHistogram, Accuracy: 0.05}); err != nil {
		t.Errorf("accuracy change without data: %v", err)
	}

	// Accuracy change after data has accumulated is rejected.
	src := agg.NewSource()
	if err := src.RecordHistogram("lat", 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitErr := testutil.Eventually(time.Second, 2*time.Millisecond, func() bool {
		snap, err := ctl.Snapshot(ctx, Current())
		if err != nil {
			return false
		}
		_, ok := snap.Histogram("lat")
		return ok
	})
	if waitErr != nil {
		t.Fatalf("sample never merged: %v", waitErr)
	}

	err = ctl.Configure(ctx, "lat", metric.Facet{Kind: metric.KindHistogram, Accuracy: 0.001})
	if !errors.Is(err, ErrFacetLocked) {
		t.Errorf("accuracy change with data: got %v, want ErrFacetLocked", err)
	}
}

func TestEngine_ConfiguredAccuracyApplies(t *testing.T) {
	agg, ctl := startEngine(t, Options{Capacity: 4, BatchSize: 1, WindowDuration: time.Hour})
	ctx := context.Background()

	if err := ctl.Configure(ctx, "lat", metric.Facet{Kind: metric.KindHistogram, Accuracy: 0.001}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	src := agg.NewSource()
	for v := int64(1); v <= 1000; v++ {
		if err := src.RecordHistogram("lat", v); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var d metric.Distribution
	err := testutil.Eventually(2*time.Second, 2*time.Millisecond, func() bool {
		snap, err := ctl.Snapshot(ctx, Current())
		if err != nil {
			return false
		}
		var ok bool
		d, ok = snap.Histogram("lat")
		return ok && d.Count == 1000
	})
	if err != nil {
		t.Fatalf("histogram count = %d, want 1000", d.Count)
	}

	// 0.1% accuracy pins p50 almost exactly.
	if math.Abs(d.P50-500)/500 > 0.005 {
		t.Errorf("p50 = %g, want within 0.5%% of 500", d.P50)
	}
}

func TestEngine_Remove(t *testing.T) {
	agg, ctl := startEngine(t, Options{Capacity: 4, BatchSize: 1, WindowDuration: time.Hour})
	ctx := context.Background()

	src := agg.NewSource()
	if err := src.RecordCounter("ops", 5); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	awaitCounter(t, ctl, Current(), "ops", 5)

	if err := ctl.Remove(ctx, "ops"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	snap, err := ctl.Snapshot(ctx, Current())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap.Counter("ops"); ok {
		t.Error("removed key still present")
	}

	// The key is fresh again: a new kind is accepted.
	if err := ctl.Configure(ctx, "ops", metric.Facet{Kind: metric.KindGauge}); err != nil {
		t.Errorf("configure after remove: %v", err)
	}
}

func TestEngine_SnapshotInvalidScope(t *testing.T) {
	_, ctl := startEngine(t, Options{Capacity: 2, BatchSize: 4})

	if _, err := ctl.Snapshot(context.Background(), LastK(0)); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("got %v, want ErrInvalidScope", err)
	}
}

func TestEngine_Shutdown(t *testing.T) {
	agg, ctl := New(Options{Capacity: 4, BatchSize: 2, WindowDuration: time.Hour, IdleWait: 5 * time.Millisecond})
	go agg.Run()

	src := agg.NewSource()
	if err := src.RecordCounter("ops", 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctl.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// The flushed sample raced with shutdown at worst; the drain grace
	// still picks it up.
	if agg.Stats().SamplesMerged != 1 {
		t.Errorf("samples merged = %d, want 1", agg.Stats().SamplesMerged)
	}

	src2 := agg.NewSource()
	if err := src2.RecordCounter("ops", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("record after shutdown: got %v, want ErrClosed", err)
	}
	if _, err := ctl.Snapshot(ctx, Current()); !errors.Is(err, ErrClosed) {
		t.Errorf("snapshot after shutdown: got %v, want ErrClosed", err)
	}
	if err := ctl.Configure(ctx, "k", metric.Facet{Kind: metric.KindCounter}); !errors.Is(err, ErrClosed) {
		t.Errorf("configure after shutdown: got %v, want ErrClosed", err)
	}
	if err := ctl.Shutdown(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("second shutdown: got %v, want ErrClosed", err)
	}
}

// A producer parked on an exhausted pool must come back with ErrClosed
// when the engine shuts down underneath it.
func TestEngine_ShutdownUnblocksProducer(t *testing.T) {
	agg, ctl := New(Options{Capacity: 1, BatchSize: 1, WindowDuration: time.Hour, IdleWait: 5 * time.Millisecond})

	// Run is intentionally not started: nothing drains the data
	// channel... but dataCh is buffered, so exhaust the pool directly.
	held, err := agg.pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	defer agg.pool.Return(held)

	gt := testutil.NewGoroutineTest(t)
	gt.Go(func() error {
		src := agg.NewSource()
		err := src.RecordCounter("ops", 1)
		if !errors.Is(err, ErrClosed) {
			return err
		}
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	go agg.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctl.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	gt.Wait()
}

// Snapshots taken while producers hammer the engine must not disturb
// the totals: everything recorded before the final flush is counted
// exactly once.
func TestEngine_SnapshotNonInterference(t *testing.T) {
	agg, ctl := startEngine(t, Options{Capacity: 8, BatchSize: 16, WindowDuration: time.Hour})

	const producers = 4
	const perProducer = 1000

	gt := testutil.NewGoroutineTestWithTimeout(t, 10*time.Second)
	for i := 0; i < producers; i++ {
		gt.Go(func() error {
			src := agg.NewSource()
			defer src.Close()
			for j := 0; j < perProducer; j++ {
				if err := src.RecordCounter("ops", 1); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Poll snapshots concurrently with the producers.
	stop := make(chan struct{})
	gt.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			if _, err := ctl.Snapshot(context.Background(), Current()); err != nil {
				return err
			}
		}
	})

	awaitCounter(t, ctl, Current(), "ops", producers*perProducer)
	close(stop)
	gt.Wait()
}

func TestOptions_Normalize(t *testing.T) {
	var o Options
	o.normalize()

	if o.Capacity <= 0 || o.BatchSize <= 0 {
		t.Errorf("pool defaults not applied: %+v", o)
	}
	if o.WindowDuration <= 0 || o.RetainedWindows < 1 {
		t.Errorf("window defaults not applied: %+v", o)
	}
	if o.DefaultAccuracy <= 0 || o.IdleWait <= 0 {
		t.Errorf("remaining defaults not applied: %+v", o)
	}

	o = Options{BurstLimit: -5}
	o.normalize()
	if o.BurstLimit != 0 {
		t.Errorf("burst limit = %d, want 0", o.BurstLimit)
	}
}
