package engine

import (
	"context"
	"sync/atomic"

	"github.com/xtxerr/pulse/buffer"
)

// lifecycle tracks the aggregator's two terminal events: intake closed
// (shutdown requested) and loop exited.
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newLifecycle() lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return lifecycle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// close marks the engine shut down, unblocking any producer parked on
// a checkout or a send.
func (l *lifecycle) close() { l.cancel() }

// finish records that the event loop has returned.
func (l *lifecycle) finish() { close(l.done) }

func (l *lifecycle) closed() bool { return l.ctx.Err() != nil }

// engineStats are written by the aggregator goroutine and read from
// anywhere, hence the atomics.
type engineStats struct {
	samplesMerged  atomic.Int64
	buffersDrained atomic.Int64
	rotations      atomic.Int64
	kindConflicts  atomic.Int64
	mergeErrors    atomic.Int64
	snapshots      atomic.Int64
}

// Stats is a point-in-time copy of engine counters.
type Stats struct {
	SamplesMerged  int64
	BuffersDrained int64
	Rotations      int64
	KindConflicts  int64
	MergeErrors    int64
	Snapshots      int64
	Pool           buffer.PoolStats
}

// Stats returns current engine counters. Safe to call from any
// goroutine at any time.
func (a *Aggregator) Stats() Stats {
	return Stats{
		SamplesMerged:  a.stats.samplesMerged.Load(),
		BuffersDrained: a.stats.buffersDrained.Load(),
		Rotations:      a.stats.rotations.Load(),
		KindConflicts:  a.stats.kindConflicts.Load(),
		MergeErrors:    a.stats.mergeErrors.Load(),
		Snapshots:      a.stats.snapshots.Load(),
		Pool:           a.pool.Stats(),
	}
}
