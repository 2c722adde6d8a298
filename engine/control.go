package engine

import (
	"context"
	"fmt"

	"github.com/xtxerr/pulse/histogram"
	"github.com/xtxerr/pulse/metric"
)

// Scope selects which windows a snapshot covers.
type Scope struct {
	kind scopeKind
	k    int
}

type scopeKind int

const (
	scopeCurrent scopeKind = iota
	scopeLastClosed
	scopeLastK
)

// Current scopes a snapshot to the open window.
func Current() Scope { return Scope{kind: scopeCurrent} }

// LastClosed scopes a snapshot to the most recently closed window.
func LastClosed() Scope { return Scope{kind: scopeLastClosed} }

// LastK scopes a snapshot to the open window plus the k-1 most
// recently closed ones, merged. If fewer are retained, the merge
// covers what exists.
func LastK(k int) Scope { return Scope{kind: scopeLastK, k: k} }

// String returns a human-readable representation of the scope.
func (s Scope) String() string {
	switch s.kind {
	case scopeCurrent:
		return "current"
	case scopeLastClosed:
		return "last-closed"
	case scopeLastK:
		return fmt.Sprintf("last-%d", s.k)
	default:
		return "unknown"
	}
}

func (s Scope) validate() error {
	if s.kind == scopeLastK && s.k < 1 {
		return fmt.Errorf("%w: k=%d", ErrInvalidScope, s.k)
	}
	return nil
}

// =============================================================================
// Control protocol
// =============================================================================

type controlKind int

const (
	ctlSnapshot controlKind = iota
	ctlConfigure
	ctlRemove
	ctlShutdown
)

type controlReply struct {
	snap *metric.Snapshot
	err  error
}

// controlMessage pairs a request with its single-use reply channel.
type controlMessage struct {
	kind  controlKind
	scope Scope
	key   metric.Key
	facet metric.Facet
	reply chan controlReply
}

// Control is the side-channel handle into a running aggregator. It is
// safe for concurrent use from any goroutine; each call blocks only on
// its own reply round-trip, never on the data path.
type Control struct {
	a *Aggregator
}

// Snapshot asks the aggregator for an immutable copy of the state the
// scope covers. Snapshot latency is bounded by at most one in-flight
// batch's processing time, independent of producer throughput.
func (c *Control) Snapshot(ctx context.Context, scope Scope) (*metric.Snapshot, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	r, err := c.roundTrip(ctx, controlMessage{kind: ctlSnapshot, scope: scope})
	if err != nil {
		return nil, err
	}
	return r.snap, r.err
}

// Configure sets the facet for a key. It fails with ErrKindMismatch if
// the key's kind is already established differently, and with
// ErrFacetLocked if it would change a histogram's accuracy after data
// has accumulated.
func (c *Control) Configure(ctx context.Context, key metric.Key, facet metric.Facet) error {
	r, err := c.roundTrip(ctx, controlMessage{kind: ctlConfigure, key: key, facet: facet})
	if err != nil {
		return err
	}
	return r.err
}

// Remove drops a key's facet and all its retained window state.
func (c *Control) Remove(ctx context.Context, key metric.Key) error {
	r, err := c.roundTrip(ctx, controlMessage{kind: ctlRemove, key: key})
	if err != nil {
		return err
	}
	return r.err
}

// Shutdown drains in-flight buffers and terminates the event loop.
// Subsequent Record, Snapshot, and Configure calls fail with
// ErrClosed.
func (c *Control) Shutdown(ctx context.Context) error {
	_, err := c.roundTrip(ctx, controlMessage{kind: ctlShutdown})
	return err
}

// roundTrip enqueues one control message and waits for its reply. A
// loop that terminated, or terminates before servicing the message,
// surfaces ErrClosed.
func (c *Control) roundTrip(ctx context.Context, msg controlMessage) (controlReply, error) {
	msg.reply = make(chan controlReply, 1)

	select {
	case c.a.controlCh <- msg:
	case <-c.a.lifecycle.ctx.Done():
		return controlReply{}, ErrClosed
	case <-ctx.Done():
		return controlReply{}, ctx.Err()
	}

	select {
	case r := <-msg.reply:
		return r, nil
	case <-c.a.lifecycle.done:
		// The loop exited without servicing the message, unless the
		// reply raced in just before.
		select {
		case r := <-msg.reply:
			return r, nil
		default:
			return controlReply{}, ErrClosed
		}
	case <-ctx.Done():
		return controlReply{}, ctx.Err()
	}
}

// =============================================================================
// Request servicing (aggregator goroutine only)
// =============================================================================

func (a *Aggregator) handleControl(msg controlMessage) {
	switch msg.kind {
	case ctlSnapshot:
		snap, err := a.ring.snapshot(msg.scope, nowMs())
		if err == nil {
			a.stats.snapshots.Add(1)
		}
		msg.reply <- controlReply{snap: snap, err: err}
	case ctlConfigure:
		msg.reply <- controlReply{err: a.configure(msg.key, msg.facet)}
	case ctlRemove:
		delete(a.facets, msg.key)
		a.ring.remove(msg.key)
		msg.reply <- controlReply{}
	}
}

// configure validates and installs a facet. Reconfiguration is
// rejected rather than silently reinterpreting accumulated state.
func (a *Aggregator) configure(key metric.Key, facet metric.Facet) error {
	if key == "" {
		return metric.ErrEmptyKey
	}
	if err := facet.Validate(); err != nil {
		return err
	}
	if err := histogram.ValidateAccuracy(facet.Accuracy); err != nil {
		return err
	}

	if existing, ok := a.facets[key]; ok {
		if existing.Kind != facet.Kind {
			return fmt.Errorf("%w: %q is %s, requested %s",
				ErrKindMismatch, key, existing.Kind, facet.Kind)
		}
		if facet.Kind == metric.KindHistogram &&
			a.effectiveAccuracy(existing) != a.effectiveAccuracy(facet) &&
			a.ring.hasState(key) {
			return fmt.Errorf("%w: %q", ErrFacetLocked, key)
		}
	}

	a.facets[key] = facet
	return nil
}

func (a *Aggregator) effectiveAccuracy(f metric.Facet) float64 {
	if f.Accuracy == 0 {
		return a.opts.DefaultAccuracy
	}
	return f.Accuracy
}
