// Package engine implements the aggregation core: producer-side
// sources that batch samples into pooled buffers, a single-goroutine
// aggregator that merges them into windowed per-key statistics, and a
// control handle for snapshots and reconfiguration.
//
// Ownership discipline: all window state and the facet registry are
// owned by the aggregator goroutine and reached only through the data
// and control channels, so aggregation logic needs no locks. The only
// structure producers share is the buffer pool's channel free-list.
package engine

import (
	"time"

	"github.com/xtxerr/pulse/buffer"
	"github.com/xtxerr/pulse/config"
	"github.com/xtxerr/pulse/internal/logging"
	"github.com/xtxerr/pulse/metric"
)

var log = logging.Component("engine")

// shutdownDrainGrace is how long the terminating loop keeps accepting
// buffers that raced with shutdown onto the data channel.
const shutdownDrainGrace = 10 * time.Millisecond

// Aggregator is the single consumer of the data path. Run it on one
// dedicated goroutine; everything else talks to it through Sources and
// the Control handle.
type Aggregator struct {
	opts Options

	pool      *buffer.Pool
	dataCh    chan *buffer.Buffer
	controlCh chan controlMessage

	// Owned exclusively by the Run goroutine.
	ring   *windowRing
	facets map[metric.Key]metric.Facet

	lifecycle lifecycle
	stats     engineStats
}

// New creates an aggregator and its control handle. The aggregator
// does nothing until Run is called.
func New(opts Options) (*Aggregator, *Control) {
	opts.normalize()

	var pool *buffer.Pool
	if opts.BurstLimit > 0 {
		pool = buffer.NewBurstPool(opts.Capacity, opts.BatchSize, opts.BurstLimit)
	} else {
		pool = buffer.NewPool(opts.Capacity, opts.BatchSize)
	}

	a := &Aggregator{
		opts: opts,
		pool: pool,
		// Sized so that every pooled buffer can be in flight without
		// a send ever parking a producer on the channel itself.
		dataCh:    make(chan *buffer.Buffer, opts.Capacity+opts.BurstLimit),
		controlCh: make(chan controlMessage, config.DefaultControlBacklog),
		ring:      newWindowRing(opts.WindowDuration.Milliseconds(), opts.RetainedWindows),
		facets:    make(map[metric.Key]metric.Facet),
		lifecycle: newLifecycle(),
	}
	return a, &Control{a: a}
}

// Options returns the normalized options the aggregator runs with.
func (a *Aggregator) Options() Options { return a.opts }

// Pool returns the buffer pool, for observability.
func (a *Aggregator) Pool() *buffer.Pool { return a.pool }

// Run executes the event loop until Shutdown. It multiplexes data
// buffers and control requests over one select, so neither path can
// starve the other, and checks the window rotation deadline on every
// wake. Expected to occupy one dedicated goroutine.
func (a *Aggregator) Run() {
	defer a.lifecycle.finish()

	log.Debug("engine started",
		"capacity", a.opts.Capacity,
		"batch_size", a.opts.BatchSize,
		"window", a.opts.WindowDuration,
		"retained", a.opts.RetainedWindows)

	a.ring.open(nowMs())

	timer := time.NewTimer(a.opts.IdleWait)
	defer timer.Stop()

	for {
		a.maybeRotate()
		timer.Reset(a.nextWait())

		select {
		case buf := <-a.dataCh:
			a.drain(buf)
		case msg := <-a.controlCh:
			if msg.kind == ctlShutdown {
				a.shutdown(msg)
				return
			}
			a.handleControl(msg)
		case <-timer.C:
			// Wake for rotation upkeep.
		}
	}
}

// nextWait bounds the sleep by the rotation deadline and the idle
// wait, whichever comes first.
func (a *Aggregator) nextWait() time.Duration {
	until := time.Duration(a.ring.deadlineMs()-nowMs()) * time.Millisecond
	if until < 0 {
		until = 0
	}
	if until > a.opts.IdleWait {
		until = a.opts.IdleWait
	}
	return until
}

func (a *Aggregator) maybeRotate() {
	now := nowMs()
	if a.ring.rotate(now) {
		a.stats.rotations.Add(1)
		if late := now - a.ring.closed[0].startMs - a.opts.WindowDuration.Milliseconds(); late > a.opts.IdleWait.Milliseconds() {
			log.Debug("late window rotation", "late_ms", late)
		}
	}
}

// drain merges every sample of one buffer in append order, then
// returns the buffer to the pool.
func (a *Aggregator) drain(buf *buffer.Buffer) {
	for _, s := range buf.Samples() {
		a.merge(s)
	}
	a.stats.buffersDrained.Add(1)
	a.pool.Return(buf)
}

// merge folds one sample into the open window. Kind conflicts against
// the registry are counted and skipped, never fatal: a misbehaving
// producer must not take the engine down.
func (a *Aggregator) merge(s metric.Sample) {
	f, ok := a.facets[s.Key]
	if !ok {
		f = metric.DefaultFacet(s.Kind)
		a.facets[s.Key] = f
	}
	if f.Kind != s.Kind {
		a.stats.kindConflicts.Add(1)
		log.Debug("sample kind conflicts with facet",
			"key", string(s.Key), "facet", f.Kind.String(), "sample", s.Kind.String())
		return
	}

	if err := a.ring.current.merge(s, f, a.opts.DefaultAccuracy); err != nil {
		a.stats.mergeErrors.Add(1)
		log.Error("merge sample", "key", string(s.Key), "error", err)
		return
	}
	a.stats.samplesMerged.Add(1)
}

// shutdown stops intake, drains what is already in flight, and
// acknowledges. Buffers that raced with the shutdown onto the data
// channel are picked up within a short grace period.
func (a *Aggregator) shutdown(msg controlMessage) {
	a.lifecycle.close()

	grace := time.NewTimer(shutdownDrainGrace)
	defer grace.Stop()
	for {
		select {
		case buf := <-a.dataCh:
			a.drain(buf)
			continue
		case <-grace.C:
		}
		break
	}

	log.Debug("engine stopped",
		"samples", a.stats.samplesMerged.Load(),
		"buffers", a.stats.buffersDrained.Load(),
		"rotations", a.stats.rotations.Load())

	msg.reply <- controlReply{}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
