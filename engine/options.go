package engine

import (
	"time"

	"github.com/xtxerr/pulse/config"
)

// Options configures an Aggregator. The zero value is usable; every
// unset field takes its documented default.
type Options struct {
	// Capacity is the number of pre-allocated sample buffers. It is
	// the sole upper bound on in-flight sample memory.
	Capacity int

	// BatchSize is the number of samples per buffer.
	BatchSize int

	// WindowDuration is the span of one aggregation window.
	WindowDuration time.Duration

	// RetainedWindows is how many closed windows to keep for
	// historical snapshots.
	RetainedWindows int

	// DefaultAccuracy is the histogram relative accuracy used by
	// facets that do not set one.
	DefaultAccuracy float64

	// IdleWait bounds how long the event loop sleeps with no traffic,
	// and with it the worst-case window rotation lateness.
	IdleWait time.Duration

	// BurstLimit, when positive, switches the buffer pool to burst
	// mode: up to this many transient buffers are allocated past
	// Capacity instead of blocking producers. Zero (the default)
	// keeps the strict memory bound.
	BurstLimit int
}

// OptionsFromConfig converts a loaded configuration into Options.
func OptionsFromConfig(ec config.EngineConfig) Options {
	return Options{
		Capacity:        ec.Capacity,
		BatchSize:       ec.BatchSize,
		WindowDuration:  ec.WindowDuration,
		RetainedWindows: ec.RetainedWindows,
		DefaultAccuracy: ec.Accuracy,
		IdleWait:        ec.IdleWait,
		BurstLimit:      ec.BurstLimit,
	}
}

func (o *Options) normalize() {
	if o.Capacity <= 0 {
		o.Capacity = config.DefaultCapacity
	}
	if o.BatchSize <= 0 {
		o.BatchSize = config.DefaultBatchSize
	}
	if o.WindowDuration <= 0 {
		o.WindowDuration = config.DefaultWindowDuration
	}
	if o.RetainedWindows < 1 {
		o.RetainedWindows = config.DefaultRetainedWindows
	}
	if o.DefaultAccuracy <= 0 {
		o.DefaultAccuracy = config.DefaultAccuracy
	}
	if o.IdleWait <= 0 {
		o.IdleWait = config.DefaultIdleWait
	}
	if o.BurstLimit < 0 {
		o.BurstLimit = 0
	}
}
