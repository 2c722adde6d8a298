package engine

import (
	"fmt"

	"github.com/xtxerr/pulse/histogram"
	"github.com/xtxerr/pulse/metric"
)

// windowEntry is the accumulated state for one key within one window.
// Exactly one of the value fields is live, selected by kind.
type windowEntry struct {
	kind       metric.Kind
	sum        int64 // counter: running sum
	gaugeValue int64 // gauge: last value
	gaugeTs    int64 // gauge: timestamp of last value
	hist       *histogram.Histogram
}

// window is one fixed-duration slice of aggregation state. Windows are
// only ever touched by the aggregator goroutine.
type window struct {
	startMs int64
	endMs   int64
	entries map[metric.Key]*windowEntry
}

func newWindow(startMs, endMs int64) *window {
	return &window{
		startMs: startMs,
		endMs:   endMs,
		entries: make(map[metric.Key]*windowEntry),
	}
}

// merge folds one sample into the window under the given facet. The
// caller has already resolved kind conflicts against the registry.
func (w *window) merge(s metric.Sample, f metric.Facet, defaultAccuracy float64) error {
	e := w.entries[s.Key]
	if e == nil {
		e = &windowEntry{kind: f.Kind}
		if f.Kind == metric.KindHistogram {
			acc := f.Accuracy
			if acc == 0 {
				acc = defaultAccuracy
			}
			h, err := histogram.New(acc)
			if err != nil {
				return fmt.Errorf("histogram for %q: %w", s.Key, err)
			}
			e.hist = h
		}
		w.entries[s.Key] = e
	}

	switch f.Kind {
	case metric.KindCounter:
		e.sum += s.Value
	case metric.KindGauge:
		// Last write wins; equal timestamps resolve to arrival order.
		if s.TimestampMs >= e.gaugeTs {
			e.gaugeValue = s.Value
			e.gaugeTs = s.TimestampMs
		}
	case metric.KindHistogram:
		e.hist.Record(s.Value)
	}
	return nil
}

// windowRing holds the open window plus the last retain closed ones,
// most recent first. Windows older than that are discarded.
type windowRing struct {
	durationMs int64
	retain     int
	current    *window
	closed     []*window
}

func newWindowRing(durationMs int64, retain int) *windowRing {
	return &windowRing{
		durationMs: durationMs,
		retain:     retain,
	}
}

// open starts the first window. Called once before the loop runs.
func (r *windowRing) open(nowMs int64) {
	r.current = newWindow(nowMs, nowMs+r.durationMs)
}

// deadlineMs returns when the open window is due to rotate.
func (r *windowRing) deadlineMs() int64 {
	return r.current.endMs
}

// rotate closes the open window and opens a fresh one if its deadline
// has passed. A late rotation widens the closing window rather than
// losing data: its recorded end is the actual rotation time.
func (r *windowRing) rotate(nowMs int64) bool {
	if nowMs < r.current.endMs {
		return false
	}

	r.current.endMs = nowMs
	r.closed = append([]*window{r.current}, r.closed...)
	if len(r.closed) > r.retain {
		r.closed = r.closed[:r.retain]
	}
	r.current = newWindow(nowMs, nowMs+r.durationMs)
	return true
}

// hasState reports whether any retained window holds state for key.
func (r *windowRing) hasState(key metric.Key) bool {
	if _, ok := r.current.entries[key]; ok {
		return true
	}
	for _, w := range r.closed {
		if _, ok := w.entries[key]; ok {
			return true
		}
	}
	return false
}

// remove drops all state for key from every retained window.
func (r *windowRing) remove(key metric.Key) {
	delete(r.current.entries, key)
	for _, w := range r.closed {
		delete(w.entries, key)
	}
}

// pick returns the windows a scope covers, oldest first, so that later
// windows overwrite earlier gauge values during merging.
func (r *windowRing) pick(scope Scope) []*window {
	switch scope.kind {
	case scopeCurrent:
		return []*window{r.current}
	case scopeLastClosed:
		if len(r.closed) == 0 {
			return nil
		}
		return []*window{r.closed[0]}
	case scopeLastK:
		n := scope.k - 1 // closed windows beside the open one
		if n > len(r.closed) {
			n = len(r.closed)
		}
		windows := make([]*window, 0, n+1)
		for i := n - 1; i >= 0; i-- {
			windows = append(windows, r.closed[i])
		}
		return append(windows, r.current)
	default:
		return nil
	}
}

// snapshot builds an immutable copy of the state the scope covers.
// Histogram sketches are merged into fresh accumulators so the ring's
// own state is never shared with the caller.
func (r *windowRing) snapshot(scope Scope, nowMs int64) (*metric.Snapshot, error) {
	windows := r.pick(scope)

	snap := metric.NewSnapshot()
	snap.TakenAtMs = nowMs
	if len(windows) == 0 {
		return snap, nil
	}

	snap.WindowStartMs = windows[0].startMs
	snap.WindowEndMs = windows[len(windows)-1].endMs
	if windows[len(windows)-1] == r.current {
		snap.WindowEndMs = nowMs
	}

	merged := make(map[metric.Key]*histogram.Histogram)
	for _, w := range windows {
		for key, e := range w.entries {
			switch e.kind {
			case metric.KindCounter:
				snap.Counters[key] += e.sum
			case metric.KindGauge:
				// Windows are visited oldest first, so the most
				// recent window's value wins.
				snap.Gauges[key] = e.gaugeValue
			case metric.KindHistogram:
				m := merged[key]
				if m == nil {
					h, err := histogram.New(e.hist.Accuracy())
					if err != nil {
						return nil, err
					}
					m = h
					merged[key] = m
				}
				if err := m.Merge(e.hist); err != nil {
					return nil, fmt.Errorf("merge windows for %q: %w", key, err)
				}
			}
		}
	}

	for key, h := range merged {
		snap.Histograms[key] = metric.Distribution{
			Count: h.Count(),
			Sum:   h.Sum(),
			Min:   h.Min(),
			Max:   h.Max(),
			P50:   h.Quantile(0.50),
			P90:   h.Quantile(0.90),
			P95:   h.Quantile(0.95),
			P99:   h.Quantile(0.99),
		}
	}
	return snap, nil
}
