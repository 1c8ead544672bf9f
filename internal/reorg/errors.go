package reorg

import "errors"

var (
	// ErrNoCommonAncestor is returned when the walkback reaches the bottom of
	// the local chain without finding a block that matches the remote chain.
	ErrNoCommonAncestor = errors.New("no common ancestor found")

	// ErrCycleDetected is returned when the walkback sees the same remote
	// hash twice, which means the provider is serving an inconsistent chain.
	ErrCycleDetected = errors.New("cycle detected during ancestor walk")

	// ErrExtremeReorg is returned when the walkback exceeds the maximum
	// depth. Recovering from this requires operator intervention.
	ErrExtremeReorg = errors.New("reorg deeper than maximum walk depth")
)
