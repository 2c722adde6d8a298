// Package histogram provides the windowed value-distribution
// accumulator used by the aggregation engine.
//
// Values are folded into a DDSketch: a logarithmically bucketed
// structure with a fixed relative error, so merges are associative and
// commutative and a quantile estimate is always within the configured
// accuracy of the true value. Count, sum, min and max are tracked
// exactly beside the sketch.
package histogram

import (
	"errors"
	"fmt"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Accuracy bounds accepted for a histogram facet. Accuracy is the
// relative error of quantile estimates (0.01 = 1%).
const (
	MinAccuracy = 0.0001
	MaxAccuracy = 0.1

	// DefaultAccuracy is used when a facet does not specify one.
	DefaultAccuracy = 0.01
)

var (
	// ErrInvalidAccuracy is returned for an accuracy outside
	// [MinAccuracy, MaxAccuracy].
	ErrInvalidAccuracy = errors.New("invalid histogram accuracy")

	// ErrIncompatible is returned when merging histograms built with
	// different accuracies.
	ErrIncompatible = errors.New("incompatible histogram accuracy")
)

// ValidateAccuracy checks an accuracy value against the supported
// bounds. Zero is allowed and means "use the default".
func ValidateAccuracy(accuracy float64) error {
	if accuracy == 0 {
		return nil
	}
	if accuracy < MinAccuracy || accuracy > MaxAccuracy {
		return fmt.Errorf("%w: %g not in [%g, %g]", ErrInvalidAccuracy, accuracy, MinAccuracy, MaxAccuracy)
	}
	return nil
}

// Histogram accumulates one window's worth of values for a single key.
// It is not safe for concurrent use; the engine's single-writer
// discipline is the synchronization.
type Histogram struct {
	accuracy float64
	count    int64
	sum      int64
	min      int64
	max      int64
	sketch   *ddsketch.DDSketch
}

// New creates an empty histogram with the given relative accuracy.
// An accuracy of zero selects DefaultAccuracy.
func New(accuracy float64) (*Histogram, error) {
	if err := ValidateAccuracy(accuracy); err != nil {
		return nil, err
	}
	if accuracy == 0 {
		accuracy = DefaultAccuracy
	}

	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil, fmt.Errorf("create sketch: %w", err)
	}

	return &Histogram{
		accuracy: accuracy,
		min:      math.MaxInt64,
		max:      math.MinInt64,
		sketch:   sketch,
	}, nil
}

// Record folds a value into the histogram in O(1).
func (h *Histogram) Record(value int64) {
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
	// Add only fails for non-finite values, which int64 cannot produce.
	_ = h.sketch.Add(float64(value))
}

// Merge folds other into h bucket-wise. Both histograms must have been
// created with the same accuracy; the facet registry guarantees this
// for windows of the same key.
func (h *Histogram) Merge(other *Histogram) error {
	if other == nil || other.count == 0 {
		return nil
	}
	if other.accuracy != h.accuracy {
		return fmt.Errorf("%w: %g vs %g", ErrIncompatible, h.accuracy, other.accuracy)
	}

	if err := h.sketch.MergeWith(other.sketch); err != nil {
		return fmt.Errorf("merge sketch: %w", err)
	}

	h.count += other.count
	h.sum += other.sum
	if other.min < h.min {
		h.min = other.min
	}
	if other.max > h.max {
		h.max = other.max
	}
	return nil
}

// Quantile returns the estimated value at quantile q in [0, 1], within
// the configured relative accuracy. It returns 0 for an empty
// histogram.
func (h *Histogram) Quantile(q float64) float64 {
	if h.count == 0 {
		return 0
	}
	v, err := h.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return v
}

// Count returns the exact number of recorded values.
func (h *Histogram) Count() int64 { return h.count }

// Sum returns the exact sum of recorded values.
func (h *Histogram) Sum() int64 { return h.sum }

// Min returns the exact minimum recorded value, or 0 when empty.
func (h *Histogram) Min() int64 {
	if h.count == 0 {
		return 0
	}
	return h.min
}

// Max returns the exact maximum recorded value, or 0 when empty.
func (h *Histogram) Max() int64 {
	if h.count == 0 {
		return 0
	}
	return h.max
}

// Empty reports whether no values have been recorded.
func (h *Histogram) Empty() bool { return h.count == 0 }

// Accuracy returns the configured relative accuracy.
func (h *Histogram) Accuracy() float64 { return h.accuracy }
