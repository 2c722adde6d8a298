// Package buffer provides the fixed-capacity sample batches and the
// bounded pool that recycles them between producers and the engine.
//
// The pool is the memory ceiling of the data path: it owns a fixed set
// of pre-allocated buffers and its free list is a channel, so checkout
// blocks when every buffer is in flight. Producers pay backpressure
// instead of the process growing or dropping data.
package buffer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/xtxerr/pulse/metric"
)

var (
	// ErrCheckoutTimeout is returned by CheckoutTimeout when no buffer
	// becomes free within the bound.
	ErrCheckoutTimeout = errors.New("buffer checkout timed out")
)

// Buffer holds an ordered batch of up to Cap samples. A buffer is
// owned by exactly one party at a time: the source filling it, the
// data channel carrying it, or the engine draining it. It is never
// accessed concurrently and never reallocated.
type Buffer struct {
	slot    int
	samples []metric.Sample
}

// Slot returns the buffer's pool slot index. Burst-allocated buffers
// have a negative slot.
func (b *Buffer) Slot() int { return b.slot }

// Append adds a sample and reports whether the buffer is now full.
func (b *Buffer) Append(s metric.Sample) bool {
	b.samples = append(b.samples, s)
	return len(b.samples) == cap(b.samples)
}

// Len returns the current fill count.
func (b *Buffer) Len() int { return len(b.samples) }

// Cap returns the batch size the buffer was allocated with.
func (b *Buffer) Cap() int { return cap(b.samples) }

// Samples returns the buffered samples in append order. The slice is
// only valid until the buffer is returned to the pool.
func (b *Buffer) Samples() []metric.Sample { return b.samples }

// Reset clears the buffer for reuse without releasing its backing
// storage.
func (b *Buffer) Reset() { b.samples = b.samples[:0] }

// Pool owns a fixed set of buffers and hands them out to sources. The
// free list is a buffered channel, which doubles as the blocking
// mechanism and avoids a coarse lock across producers.
//
// In the default block mode no buffer is ever created or destroyed
// after construction: the union of checked-out and free buffers is
// always the full set, and total data-path memory is
// capacity x batch size x sample size. Burst mode is the explicit
// opt-in alternative: up to burstLimit extra buffers may be allocated
// when the pool is dry, and they are discarded on return.
type Pool struct {
	free       chan *Buffer
	capacity   int
	batchSize  int
	burstLimit int
	burstOut   atomic.Int64

	checkouts atomic.Int64
	returns   atomic.Int64
	waits     atomic.Int64
	bursts    atomic.Int64
}

// NewPool creates a pool of capacity pre-allocated buffers of
// batchSize samples each, in block mode.
func NewPool(capacity, batchSize int) *Pool {
	return newPool(capacity, batchSize, 0)
}

// NewBurstPool creates a pool that allocates up to burstLimit
// transient buffers past capacity instead of blocking. Burst buffers
// are dropped on return, so the steady-state footprint is unchanged.
func NewBurstPool(capacity, batchSize, burstLimit int) *Pool {
	if burstLimit < 0 {
		burstLimit = 0
	}
	return newPool(capacity, batchSize, burstLimit)
}

func newPool(capacity, batchSize, burstLimit int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	p := &Pool{
		free:       make(chan *Buffer, capacity),
		capacity:   capacity,
		batchSize:  batchSize,
		burstLimit: burstLimit,
	}
	for i := 0; i < capacity; i++ {
		p.free <- &Buffer{slot: i, samples: make([]metric.Sample, 0, batchSize)}
	}
	return p
}

// Checkout takes a free buffer, blocking until one is returned or ctx
// is done. It never allocates in block mode.
func (p *Pool) Checkout(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.free:
		p.checkouts.Add(1)
		return b, nil
	default:
	}

	if b := p.tryBurst(); b != nil {
		return b, nil
	}

	p.waits.Add(1)
	select {
	case b := <-p.free:
		p.checkouts.Add(1)
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tryBurst allocates a transient buffer if burst mode allows one more,
// or returns nil.
func (p *Pool) tryBurst() *Buffer {
	if p.burstLimit == 0 {
		return nil
	}
	if n := p.burstOut.Add(1); n <= int64(p.burstLimit) {
		p.checkouts.Add(1)
		p.bursts.Add(1)
		return &Buffer{slot: -1, samples: make([]metric.Sample, 0, p.batchSize)}
	}
	p.burstOut.Add(-1)
	return nil
}

// CheckoutTimeout is the bounded-wait variant of Checkout. It bursts
// under the same conditions and returns ErrCheckoutTimeout when no
// buffer frees up within d.
func (p *Pool) CheckoutTimeout(d time.Duration) (*Buffer, error) {
	select {
	case b := <-p.free:
		p.checkouts.Add(1)
		return b, nil
	default:
	}

	if b := p.tryBurst(); b != nil {
		return b, nil
	}

	p.waits.Add(1)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case b := <-p.free:
		p.checkouts.Add(1)
		return b, nil
	case <-t.C:
		return nil, ErrCheckoutTimeout
	}
}

// Return makes a drained buffer available again, unblocking at most
// one waiting checkout. Burst buffers are dropped.
func (p *Pool) Return(b *Buffer) {
	if b == nil {
		return
	}
	b.Reset()
	p.returns.Add(1)

	if b.slot < 0 {
		p.burstOut.Add(-1)
		return
	}
	p.free <- b
}

// Capacity returns the fixed number of pooled buffers.
func (p *Pool) Capacity() int { return p.capacity }

// BatchSize returns the per-buffer sample capacity.
func (p *Pool) BatchSize() int { return p.batchSize }

// Free returns the number of buffers currently in the free list.
func (p *Pool) Free() int { return len(p.free) }

// UsageRatio returns the fraction of buffers currently checked out.
func (p *Pool) UsageRatio() float64 {
	return float64(p.capacity-len(p.free)) / float64(p.capacity)
}

// Stats returns pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Capacity:  p.capacity,
		BatchSize: p.batchSize,
		Free:      len(p.free),
		Checkouts: p.checkouts.Load(),
		Returns:   p.returns.Load(),
		Waits:     p.waits.Load(),
		Bursts:    p.bursts.Load(),
	}
}

// PoolStats holds pool counters.
type PoolStats struct {
	Capacity  int
	BatchSize int
	Free      int
	Checkouts int64
	Returns   int64
	Waits     int64
	Bursts    int64
}
