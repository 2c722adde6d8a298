// Package metric defines the data model shared by producers and the
// aggregation engine: metric keys, kinds, samples, per-key facets, and
// the immutable snapshots handed back to control callers.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind indicates how samples under a key are aggregated.
type Kind int

const (
	// KindCounter sums all recorded deltas within a window.
	KindCounter Kind = iota

	// KindGauge keeps the last recorded value within a window.
	KindGauge

	// KindHistogram accumulates a bucketed value distribution per window.
	KindHistogram
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindCounter && k <= KindHistogram
}

// Key identifies a metric series. Keys are opaque, immutable, and
// comparable; a key's Kind is fixed for its lifetime by the facet
// registry.
type Key string

// KeyWithLabels builds a key from a name and a label set. Labels are
// rendered in sorted order so the same set always yields the same key.
func KeyWithLabels(name string, labels map[string]string) Key {
	if len(labels) == 0 {
		return Key(name)
	}

	names := make([]string, 0, len(labels))
	for l := range labels {
		names = append(names, l)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, l := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(l)
		sb.WriteByte('=')
		sb.WriteString(labels[l])
	}
	sb.WriteByte('}')
	return Key(sb.String())
}

// Validation errors surfaced at record time, before a sample can enter
// a buffer.
var (
	ErrEmptyKey    = errors.New("empty metric key")
	ErrInvalidKind = errors.New("invalid metric kind")
)

// Sample is a single measurement. Samples are immutable once recorded.
// Counter values are signed deltas, gauge values are absolute, and
// histogram values are the recorded observation (e.g. nanoseconds for
// timings).
type Sample struct {
	Key         Key
	Kind        Kind
	Value       int64
	TimestampMs int64
}

// Validate rejects malformed samples. It is called by the producer
// handle so bad input never reaches the merge loop.
func (s *Sample) Validate() error {
	if s.Key == "" {
		return ErrEmptyKey
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, int(s.Kind))
	}
	return nil
}

// TimestampTime returns the sample timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}
