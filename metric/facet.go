package metric

// Facet is the per-key aggregation configuration consulted by the
// engine on every merge. A facet fixes the key's Kind for its lifetime;
// for histograms it also fixes the sketch's relative accuracy, which
// keeps window-to-window merges compatible.
type Facet struct {
	// Kind selects the aggregation method.
	Kind Kind

	// Accuracy is the histogram relative accuracy (0.01 = 1% error).
	// Zero means "use the engine default". Ignored for counters and
	// gauges.
	Accuracy float64
}

// DefaultFacet returns the facet inferred for an unconfigured key from
// the kind of its first sample.
func DefaultFacet(kind Kind) Facet {
	return Facet{Kind: kind}
}

// Validate rejects facets with an undefined kind. Accuracy bounds are
// enforced by the histogram engine when the facet is first used.
func (f Facet) Validate() error {
	if !f.Kind.Valid() {
		return ErrInvalidKind
	}
	return nil
}
