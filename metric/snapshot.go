package metric

import "sort"

// Distribution summarizes a histogram series over the snapshot's
// window span. Count, Sum, Min and Max are exact; the percentiles are
// estimates within the facet's configured relative accuracy.
type Distribution struct {
	Count int64
	Sum   int64
	Min   int64
	Max   int64
	P50   float64
	P90   float64
	P95   float64
	P99   float64
}

// Snapshot is a point-in-time copy of aggregated metric state. Once
// produced it has no relationship to subsequent engine mutation; a
// caller may hold it indefinitely.
type Snapshot struct {
	// TakenAtMs is when the engine built the snapshot.
	TakenAtMs int64

	// WindowStartMs/WindowEndMs span the windows the snapshot covers.
	WindowStartMs int64
	WindowEndMs   int64

	Counters   map[Key]int64
	Gauges     map[Key]int64
	Histograms map[Key]Distribution
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Counters:   make(map[Key]int64),
		Gauges:     make(map[Key]int64),
		Histograms: make(map[Key]Distribution),
	}
}

// Counter returns the counter sum for key.
func (s *Snapshot) Counter(key Key) (int64, bool) {
	v, ok := s.Counters[key]
	return v, ok
}

// Gauge returns the last gauge value for key.
func (s *Snapshot) Gauge(key Key) (int64, bool) {
	v, ok := s.Gauges[key]
	return v, ok
}

// Histogram returns the distribution summary for key.
func (s *Snapshot) Histogram(key Key) (Distribution, bool) {
	d, ok := s.Histograms[key]
	return d, ok
}

// Len returns the number of distinct keys in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Counters) + len(s.Gauges) + len(s.Histograms)
}

// Keys returns all keys in the snapshot in sorted order.
func (s *Snapshot) Keys() []Key {
	keys := make([]Key, 0, s.Len())
	for k := range s.Counters {
		keys = append(keys, k)
	}
	for k := range s.Gauges {
		keys = append(keys, k)
	}
	for k := range s.Histograms {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
