// Package reorg detects chain reorganizations by comparing the locally
// stored chain against the chain the RPC providers currently serve, and
// locates the common ancestor the engine must roll back to.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"time"

	internalcommon "github.com/blocksyncd/blocksyncd/internal/common"
	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/metrics"
	"github.com/blocksyncd/blocksyncd/internal/store"
	"github.com/blocksyncd/blocksyncd/internal/types"
)

const (
	// MaxWalk bounds the ancestor search. It matches the store's maximum
	// rollback window; a deeper divergence cannot be repaired automatically
	// anyway.
	MaxWalk = store.MaxReorgDepth

	// visitedCap bounds the cycle-detection set.
	visitedCap = 100

	// cacheCap and cacheTTL bound the remote header cache.
	cacheCap = 100
	cacheTTL = 30 * time.Second
)

// ChainSource is the slice of the chain client the detector needs.
type ChainSource interface {
	BlockAt(ctx context.Context, blockNum, chainID uint64) (*types.Block, error)
}

// LocalSource is the slice of the block store the detector needs.
type LocalSource interface {
	FindByHeight(ctx context.Context, number uint64) (*types.Block, error)
	MaxHeight(ctx context.Context) (uint64, error)
}

// Detector locates the common ancestor after a divergence between the local
// and remote chains.
type Detector struct {
	chain   ChainSource
	local   LocalSource
	chainID uint64
	log     *logger.Logger
	cache   *headerCache
}

// NewDetector creates a reorg detector.
func NewDetector(chain ChainSource, local LocalSource, chainID uint64, log *logger.Logger) *Detector {
	metrics.ComponentHealthSet(internalcommon.ComponentReorgDetector, true)
	return &Detector{
		chain:   chain,
		local:   local,
		chainID: chainID,
		log:     log,
		cache:   newHeaderCache(cacheCap, cacheTTL),
	}
}

// TipDiverged reports whether the local tip block no longer matches the
// remote chain at the same height. It always asks the chain directly; a
// cached header would hide a divergence for the cache TTL.
func (d *Detector) TipDiverged(ctx context.Context, localTip *types.Block) (bool, error) {
	remote, err := d.chain.BlockAt(ctx, localTip.Number, d.chainID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch remote block %d: %w", localTip.Number, err)
	}
	d.cache.put(*remote)
	return remote.Hash != localTip.Hash, nil
}

// FindCommonAncestor walks down from the given height until it finds a block
// where the local and remote chains agree. Returns the ancestor block.
//
// The walk fails with ErrExtremeReorg past MaxWalk steps, ErrCycleDetected
// when the provider serves the same hash twice at different heights, and
// ErrNoCommonAncestor when the walk exhausts the local chain.
func (d *Detector) FindCommonAncestor(ctx context.Context, fromHeight uint64) (*types.Block, error) {
	// Headers cached before the divergence describe the abandoned fork.
	d.cache.purge()

	visited := newVisitedSet(visitedCap)

	height := fromHeight
	for steps := 0; ; steps++ {
		if steps >= MaxWalk {
			return nil, fmt.Errorf("%w: walked %d blocks down from %d",
				ErrExtremeReorg, steps, fromHeight)
		}

		local, err := d.local.FindByHeight(ctx, height)
		if errors.Is(err, store.ErrNotFound) {
			// Below the bottom of the local chain; resume from scratch.
			return nil, fmt.Errorf("%w: local chain exhausted at height %d",
				ErrNoCommonAncestor, height)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load local block %d: %w", height, err)
		}

		remote, err := d.remoteBlockAt(ctx, height)
		if err != nil {
			return nil, err
		}

		if visited.add(remote.Hash) {
			return nil, fmt.Errorf("%w: hash %s seen twice during walk from %d",
				ErrCycleDetected, remote.Hash.Hex(), fromHeight)
		}

		if local.Hash == remote.Hash {
			depth := fromHeight - height
			if depth > 0 {
				d.log.Warnw("common ancestor found",
					"ancestor", height,
					"diverged_from", fromHeight,
					"depth", depth,
				)
				metrics.ReorgDetected(depth)
			}
			return local, nil
		}

		if height == 0 {
			return nil, fmt.Errorf("%w: diverged all the way to genesis", ErrNoCommonAncestor)
		}
		height--
	}
}

func (d *Detector) remoteBlockAt(ctx context.Context, height uint64) (types.Block, error) {
	if block, ok := d.cache.get(height); ok {
		return block, nil
	}

	block, err := d.chain.BlockAt(ctx, height, d.chainID)
	if err != nil {
		return types.Block{}, fmt.Errorf("failed to fetch remote block %d: %w", height, err)
	}

	d.cache.put(*block)
	return *block, nil
}
