package engine

import (
	"fmt"
	"time"

	"github.com/xtxerr/pulse/buffer"
	"github.com/xtxerr/pulse/metric"
)

// Source is a producer-side handle. It batches samples into a
// checked-out buffer and flushes full buffers to the aggregator.
//
// A Source is not safe for concurrent use; give each producer
// goroutine its own. Sources are cheap: all heavy state lives in the
// shared pool.
type Source struct {
	a      *Aggregator
	cur    *buffer.Buffer
	closed bool
}

// NewSource creates a producer handle bound to this aggregator.
func (a *Aggregator) NewSource() *Source {
	return &Source{a: a}
}

// Record appends one sample. It checks out a buffer from the pool when
// it holds none, which blocks when the pool is exhausted: that wait is
// the backpressure that keeps data-path memory bounded. A full buffer
// is flushed to the aggregator before Record returns.
//
// Malformed samples are rejected here, before they can enter a buffer.
// After engine shutdown, Record fails with ErrClosed.
func (s *Source) Record(key metric.Key, kind metric.Kind, value int64) error {
	if s.closed {
		return ErrSourceClosed
	}
	if s.a.lifecycle.closed() {
		return ErrClosed
	}

	sample := metric.Sample{
		Key:         key,
		Kind:        kind,
		Value:       value,
		TimestampMs: nowMs(),
	}
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	if s.cur == nil {
		buf, err := s.a.pool.Checkout(s.a.lifecycle.ctx)
		if err != nil {
			return ErrClosed
		}
		s.cur = buf
	}

	if s.cur.Append(sample) {
		return s.Flush()
	}
	return nil
}

// RecordCounter records a counter delta for key.
func (s *Source) RecordCounter(key metric.Key, delta int64) error {
	return s.Record(key, metric.KindCounter, delta)
}

// RecordGauge records an absolute gauge value for key.
func (s *Source) RecordGauge(key metric.Key, value int64) error {
	return s.Record(key, metric.KindGauge, value)
}

// RecordHistogram records one observation for key.
func (s *Source) RecordHistogram(key metric.Key, value int64) error {
	return s.Record(key, metric.KindHistogram, value)
}

// RecordTiming records the elapsed time between start and end as a
// histogram observation in nanoseconds.
func (s *Source) RecordTiming(key metric.Key, start, end time.Time) error {
	return s.RecordHistogram(key, end.Sub(start).Nanoseconds())
}

// Flush sends the partially filled buffer to the aggregator, if any.
// Flushing transfers buffer ownership to the data channel; the source
// never touches that buffer again.
func (s *Source) Flush() error {
	if s.cur == nil || s.cur.Len() == 0 {
		return nil
	}

	buf := s.cur
	s.cur = nil

	select {
	case s.a.dataCh <- buf:
		return nil
	case <-s.a.lifecycle.ctx.Done():
		// Engine is gone; recycle the buffer so the pool stays whole.
		s.a.pool.Return(buf)
		return ErrClosed
	}
}

// Close flushes buffered samples and retires the source, so recorded
// data is not lost when a producer goes away mid-batch. Further
// Record calls fail with ErrSourceClosed.
func (s *Source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.Flush()
}
