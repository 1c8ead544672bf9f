package reorg

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/store"
	"github.com/blocksyncd/blocksyncd/internal/types"
)

func hashAt(height uint64, fork byte) common.Hash {
	var h common.Hash
	h[0] = fork
	for i := 0; i < 8; i++ {
		h[31-i] = byte(height >> (8 * i))
	}
	return h
}

func blockAt(height uint64, fork byte) types.Block {
	return types.Block{
		Number:     height,
		Hash:       hashAt(height, fork),
		ParentHash: hashAt(height-1, fork),
		Timestamp:  1700000000 + height*12,
		ChainID:    1,
	}
}

// fakeChain serves blocks per height, tracking fetch counts.
type fakeChain struct {
	blocks  map[uint64]types.Block
	fetches int
}

func (f *fakeChain) BlockAt(_ context.Context, blockNum, _ uint64) (*types.Block, error) {
	f.fetches++
	block, ok := f.blocks[blockNum]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &block, nil
}

// fakeLocal serves the locally stored chain.
type fakeLocal struct {
	blocks map[uint64]types.Block
}

func (f *fakeLocal) FindByHeight(_ context.Context, number uint64) (*types.Block, error) {
	block, ok := f.blocks[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &block, nil
}

func (f *fakeLocal) MaxHeight(_ context.Context) (uint64, error) {
	var max uint64
	for n := range f.blocks {
		if n > max {
			max = n
		}
	}
	if max == 0 {
		return 0, store.ErrNotFound
	}
	return max, nil
}

// forkedSetup builds a local chain on fork 1 up to localTip and a remote
// chain that follows fork 1 up to ancestor and fork 2 above it.
func forkedSetup(localTip, ancestor uint64) (*fakeChain, *fakeLocal) {
	chain := &fakeChain{blocks: make(map[uint64]types.Block)}
	local := &fakeLocal{blocks: make(map[uint64]types.Block)}

	for n := uint64(1); n <= localTip; n++ {
		local.blocks[n] = blockAt(n, 1)
		if n <= ancestor {
			chain.blocks[n] = blockAt(n, 1)
		} else {
			chain.blocks[n] = blockAt(n, 2)
		}
	}
	return chain, local
}

func TestTipDiverged(t *testing.T) {
	t.Parallel()

	t.Run("matching tip", func(t *testing.T) {
		t.Parallel()

		chain, local := forkedSetup(100, 100)
		d := NewDetector(chain, local, 1, logger.NewNopLogger())

		tip := local.blocks[100]
		diverged, err := d.TipDiverged(context.Background(), &tip)
		require.NoError(t, err)
		assert.False(t, diverged)
	})

	t.Run("diverged tip", func(t *testing.T) {
		t.Parallel()

		chain, local := forkedSetup(100, 90)
		d := NewDetector(chain, local, 1, logger.NewNopLogger())

		tip := local.blocks[100]
		diverged, err := d.TipDiverged(context.Background(), &tip)
		require.NoError(t, err)
		assert.True(t, diverged)
	})
}

func TestTipDiverged_SeesReorgAfterEarlierMatch(t *testing.T) {
	t.Parallel()

	chain, local := forkedSetup(100, 100)
	d := NewDetector(chain, local, 1, logger.NewNopLogger())

	tip := local.blocks[100]
	diverged, err := d.TipDiverged(context.Background(), &tip)
	require.NoError(t, err)
	require.False(t, diverged)

	// The chain replaces the block at the same height. The earlier lookup
	// must not serve its remembered header.
	chain.blocks[100] = blockAt(100, 2)
	diverged, err = d.TipDiverged(context.Background(), &tip)
	require.NoError(t, err)
	assert.True(t, diverged)
}

func TestFindCommonAncestor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		localTip uint64
		ancestor uint64
	}{
		{name: "shallow reorg", localTip: 100, ancestor: 97},
		{name: "single block reorg", localTip: 100, ancestor: 99},
		{name: "deep reorg", localTip: 600, ancestor: 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			chain, local := forkedSetup(tt.localTip, tt.ancestor)
			d := NewDetector(chain, local, 1, logger.NewNopLogger())

			got, err := d.FindCommonAncestor(context.Background(), tt.localTip)
			require.NoError(t, err)
			assert.Equal(t, tt.ancestor, got.Number)
			assert.Equal(t, hashAt(tt.ancestor, 1), got.Hash)
		})
	}
}

func TestFindCommonAncestor_DiscardsPreReorgHeaders(t *testing.T) {
	t.Parallel()

	chain, local := forkedSetup(100, 100)
	d := NewDetector(chain, local, 1, logger.NewNopLogger())

	// Warm the detector with the pre-reorg chain.
	tip := local.blocks[100]
	_, err := d.TipDiverged(context.Background(), &tip)
	require.NoError(t, err)

	// The chain reorganizes above 97. A walk that trusted the warmed
	// headers would report a false ancestor at the tip.
	for n := uint64(98); n <= 100; n++ {
		chain.blocks[n] = blockAt(n, 2)
	}

	got, err := d.FindCommonAncestor(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(97), got.Number)
	assert.Equal(t, hashAt(97, 1), got.Hash)
}

func TestFindCommonAncestor_NoAgreement(t *testing.T) {
	t.Parallel()

	// Local chain only covers [50, 100]; remote disagrees everywhere.
	chain := &fakeChain{blocks: make(map[uint64]types.Block)}
	local := &fakeLocal{blocks: make(map[uint64]types.Block)}
	for n := uint64(50); n <= 100; n++ {
		local.blocks[n] = blockAt(n, 1)
		chain.blocks[n] = blockAt(n, 2)
	}

	d := NewDetector(chain, local, 1, logger.NewNopLogger())

	_, err := d.FindCommonAncestor(context.Background(), 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCommonAncestor)
}

func TestFindCommonAncestor_ExtremeReorg(t *testing.T) {
	t.Parallel()

	// Divergence deeper than the walk limit.
	chain, local := forkedSetup(MaxWalk+100, 1)
	d := NewDetector(chain, local, 1, logger.NewNopLogger())

	_, err := d.FindCommonAncestor(context.Background(), uint64(MaxWalk+100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtremeReorg)
}

func TestFindCommonAncestor_CycleDetected(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{blocks: make(map[uint64]types.Block)}
	local := &fakeLocal{blocks: make(map[uint64]types.Block)}

	repeated := blockAt(999, 2)
	for n := uint64(90); n <= 100; n++ {
		local.blocks[n] = blockAt(n, 1)
		// Provider returns the same block object at every height.
		chain.blocks[n] = repeated
	}

	d := NewDetector(chain, local, 1, logger.NewNopLogger())

	_, err := d.FindCommonAncestor(context.Background(), 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestHeaderCache_TTLAndCapacity(t *testing.T) {
	t.Parallel()

	clock := time.Unix(1700000000, 0)
	cache := newHeaderCache(2, 10*time.Second)
	cache.now = func() time.Time { return clock }

	cache.put(blockAt(1, 1))
	got, ok := cache.get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Number)

	// Expired entries miss.
	clock = clock.Add(11 * time.Second)
	_, ok = cache.get(1)
	assert.False(t, ok)

	// Capacity is bounded.
	cache.put(blockAt(2, 1))
	cache.put(blockAt(3, 1))
	cache.put(blockAt(4, 1))
	assert.LessOrEqual(t, len(cache.entries), 2)
}

func TestVisitedSet_LRUEviction(t *testing.T) {
	t.Parallel()

	set := newVisitedSet(3)

	assert.False(t, set.add(hashAt(1, 1)))
	assert.False(t, set.add(hashAt(2, 1)))
	assert.False(t, set.add(hashAt(3, 1)))

	// Re-adding reports the duplicate and refreshes recency.
	assert.True(t, set.add(hashAt(1, 1)))

	// Adding a fourth evicts the least recently used (hash 2).
	assert.False(t, set.add(hashAt(4, 1)))
	assert.False(t, set.add(hashAt(2, 1)))
}
