package types

import "errors"

var (
	// ErrCorrupt is returned when stored data fails an integrity check:
	// a reconstructed text whose hash does not match the recorded hash, a
	// record whose label does not match the requested key, or a patch or
	// instruction stream that cannot be parsed. It is fatal for the
	// affected key and is never retried at this layer.
	ErrCorrupt = errors.New("quilt: corrupt store")

	// ErrInconsistentParents is returned when a key is re-added with a
	// different parent set than previously recorded. The store is left
	// unchanged.
	ErrInconsistentParents = errors.New("quilt: inconsistent parents")

	// ErrMissingKey is returned when a directly requested key is absent.
	// Parent lookups never return it; absent parents (ghosts) are
	// silently omitted instead.
	ErrMissingKey = errors.New("quilt: missing key")
)
