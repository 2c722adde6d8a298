package engine

import (
	"errors"

	"github.com/xtxerr/pulse/histogram"
)

// Sentinel errors surfaced at the engine API boundary.
var (
	// ErrClosed is returned by any source or control operation after
	// the engine has shut down.
	ErrClosed = errors.New("engine is shut down")

	// ErrSourceClosed is returned by Record on a source that has been
	// closed, independent of engine state.
	ErrSourceClosed = errors.New("source is closed")

	// ErrKindMismatch is returned by Configure when the requested
	// facet conflicts with the key's already-established kind.
	ErrKindMismatch = errors.New("metric kind mismatch")

	// ErrFacetLocked is returned by Configure when a histogram facet's
	// accuracy would change after the key has accumulated data, which
	// would make window merges incompatible.
	ErrFacetLocked = errors.New("facet locked by accumulated data")

	// ErrInvalidScope is returned by Snapshot for a malformed scope,
	// such as LastK with a non-positive k.
	ErrInvalidScope = errors.New("invalid snapshot scope")
)

// IsConfigError reports whether err is a configuration rejection from
// Configure, as opposed to a lifecycle error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrKindMismatch) ||
		errors.Is(err, ErrFacetLocked) ||
		errors.Is(err, histogram.ErrInvalidAccuracy)
}
