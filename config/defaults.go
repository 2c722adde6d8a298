// Package config provides configuration defaults and file loading for
// the pulse engine.
//
// This package defines all configurable constants with documented
// defaults. Applications can override these values via a YAML file or
// environment variables expanded within it.
package config

import "time"

// =============================================================================
// Data Path Defaults
// =============================================================================

const (
	// DefaultCapacity is the number of pre-allocated sample buffers.
	// This is the sole upper bound on in-flight sample memory: when
	// every buffer is checked out, producers block until one returns.
	// Override via config: engine.capacity
	DefaultCapacity = 256

	// DefaultBatchSize is the number of samples per buffer. Larger
	// batches trade flush latency for throughput.
	// Override via config: engine.batch_size
	DefaultBatchSize = 128

	// DefaultControlBacklog is the capacity of the control channel.
	// Control requests beyond this queue behind each other, never
	// behind the data path.
	DefaultControlBacklog = 16
)

// =============================================================================
// Aggregation Defaults
// =============================================================================

const (
	// DefaultWindowDuration is the span of one aggregation window.
	// Override via config: engine.window_duration
	DefaultWindowDuration = time.Second

	// DefaultRetainedWindows is how many closed windows the engine
	// keeps for historical snapshots. Older windows are discarded.
	// Override via config: engine.retained_windows
	DefaultRetainedWindows = 60

	// DefaultAccuracy is the histogram relative accuracy applied when
	// a facet does not set one (0.01 = 1% quantile error).
	// Override via config: engine.accuracy
	DefaultAccuracy = 0.01

	// DefaultIdleWait bounds how long the engine loop sleeps with no
	// traffic, so window rotation is late by at most one idle wait.
	// Override via config: engine.idle_wait
	DefaultIdleWait = 100 * time.Millisecond
)
