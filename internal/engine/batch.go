package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blocksyncd/blocksyncd/internal/metrics"
	"github.com/blocksyncd/blocksyncd/internal/retry"
	"github.com/blocksyncd/blocksyncd/internal/types"
)

// divergedTipError signals that the fetched batch does not extend the local
// tip, meaning the chain reorganized under us.
type divergedTipError struct {
	localTip uint64
}

func (e *divergedTipError) Error() string {
	return fmt.Sprintf("batch does not extend local tip %d", e.localTip)
}

// syncBatch fetches, validates and commits the blocks in [from, to], then
// advances the checkpoint. Returns the new local tip.
func (e *Engine) syncBatch(ctx context.Context, localTip *types.Block, from, to, target uint64) (*types.Block, error) {
	start := time.Now()

	batch, err := e.fetchBatch(ctx, from, to)
	if err != nil {
		return nil, err
	}

	if err := e.valid.ValidateBatch(batch); err != nil {
		return nil, err
	}

	// Continuity with the committed chain. The first fetched block must be
	// the child of the local tip; anything else means the remote chain moved.
	if localTip != nil && batch[0].Block.ParentHash != localTip.Hash {
		return nil, &divergedTipError{localTip: localTip.Number}
	}

	var written int
	if e.pendingRollback != nil {
		// A detected reorg is resolved here: the stale blocks above the
		// ancestor and the replacement batch go through one transaction.
		w, deleted, err := e.store.SaveBatchWithRollback(ctx, *e.pendingRollback, batch)
		if err != nil {
			return nil, err
		}
		e.log.Warnw("reorg rollback committed",
			"above", *e.pendingRollback, "deleted_blocks", deleted, "written", w)
		e.pendingRollback = nil
		written = w
	} else {
		written, err = e.store.SaveBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
	}

	newTip := batch[len(batch)-1].Block

	if err := e.advanceCheckpoint(ctx, &newTip, target); err != nil {
		return nil, err
	}

	// Post-commit verification. A read-back failure here means the store is
	// not durable and continuing would silently lose data.
	if err := e.verifyStored(ctx, &newTip); err != nil {
		return nil, err
	}

	transferCount := 0
	for i := range batch {
		transferCount += len(batch[i].Transfers)
	}

	metrics.BlocksIndexedAdd(written)
	metrics.TransfersIndexedAdd(transferCount)
	metrics.LocalTipSet(newTip.Number)
	metrics.SyncLagSet(target - newTip.Number)

	e.log.Infow("batch committed",
		"from", from,
		"to", to,
		"blocks", written,
		"transfers", transferCount,
		"lag", target-newTip.Number,
		"elapsed", time.Since(start),
	)

	return &newTip, nil
}

// fetchBatch fetches the blocks in [from, to] concurrently, plus the Transfer
// logs of the range when a token is configured. Every chain request passes
// the rate limiter before it is sent and retries transient failures.
func (e *Engine) fetchBatch(ctx context.Context, from, to uint64) ([]types.BlockWithTransfers, error) {
	count := int(to - from + 1)
	blocks := make([]*types.Block, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i := 0; i < count; i++ {
		blockNum := from + uint64(i)
		g.Go(func() error {
			// The limiter sits inside the retry loop so every attempt,
			// including retries, pays for its request.
			return retry.Do(gctx, e.log, "fetch_block", e.cfg.MaxRetries, func(c context.Context) error {
				if err := e.limiter.Consume(c, 1, e.cfg.MaxRetries); err != nil {
					return err
				}
				block, err := e.chain.BlockAt(c, blockNum, e.chainID)
				if err != nil {
					return err
				}
				blocks[i] = block
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch blocks [%d, %d]: %w", from, to, err)
	}

	transfers, err := e.fetchTransfers(ctx, from, to)
	if err != nil {
		return nil, err
	}

	// blocks arrive indexed by offset, so the batch is already ascending
	ordered := make([]types.Block, count)
	for i, block := range blocks {
		ordered[i] = *block
	}
	return assembleBatch(ordered, transfers), nil
}

// fetchRange fetches the blocks in [from, to] through one batched header
// call, plus the Transfer logs of the range when a token is configured.
func (e *Engine) fetchRange(ctx context.Context, from, to uint64) ([]types.BlockWithTransfers, error) {
	var blocks []types.Block
	err := retry.Do(ctx, e.log, "fetch_range", e.cfg.MaxRetries, func(c context.Context) error {
		if err := e.limiter.Consume(c, 1, e.cfg.MaxRetries); err != nil {
			return err
		}
		var fetchErr error
		blocks, fetchErr = e.chain.BlocksInRange(c, from, to, e.chainID)
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blocks [%d, %d]: %w", from, to, err)
	}
	if uint64(len(blocks)) != to-from+1 {
		return nil, fmt.Errorf("provider returned %d blocks for range [%d, %d]", len(blocks), from, to)
	}

	transfers, err := e.fetchTransfers(ctx, from, to)
	if err != nil {
		return nil, err
	}

	return assembleBatch(blocks, transfers), nil
}

// fetchTransfers fetches the Transfer logs of [from, to]. Returns nil without
// a chain call when no token is configured.
func (e *Engine) fetchTransfers(ctx context.Context, from, to uint64) ([]types.Transfer, error) {
	if !e.cfg.FetchLogsEnabled() {
		return nil, nil
	}

	var transfers []types.Transfer
	err := retry.Do(ctx, e.log, "fetch_logs", e.cfg.MaxRetries, func(c context.Context) error {
		if err := e.limiter.Consume(c, 1, e.cfg.MaxRetries); err != nil {
			return err
		}
		var fetchErr error
		transfers, fetchErr = e.chain.TransferLogs(c, e.token, from, to)
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transfer logs [%d, %d]: %w", from, to, err)
	}
	return transfers, nil
}

// assembleBatch pairs ascending blocks with their transfers.
func assembleBatch(blocks []types.Block, transfers []types.Transfer) []types.BlockWithTransfers {
	byBlock := make(map[uint64][]types.Transfer, len(blocks))
	for _, transfer := range transfers {
		byBlock[transfer.BlockNumber] = append(byBlock[transfer.BlockNumber], transfer)
	}

	batch := make([]types.BlockWithTransfers, len(blocks))
	for i, block := range blocks {
		batch[i] = types.BlockWithTransfers{
			Block:     block,
			Transfers: byBlock[block.Number],
		}
	}
	return batch
}

// verifyStored re-reads a block after commit and checks the stored hash.
func (e *Engine) verifyStored(ctx context.Context, expected *types.Block) error {
	persisted, err := e.store.FindByHeight(ctx, expected.Number)
	if err != nil {
		return fmt.Errorf("post-commit verification failed for block %d: %w", expected.Number, err)
	}
	if persisted.Hash != expected.Hash {
		return fmt.Errorf("post-commit verification failed for block %d: stored hash %s, expected %s",
			expected.Number, persisted.Hash.Hex(), expected.Hash.Hex())
	}
	return nil
}

// advanceCheckpoint records the committed tip in the checkpoint and status
// rows. The batch is already durable; checkpoint failure is an error so the
// batch is retried (and skipped as already committed) rather than lost.
func (e *Engine) advanceCheckpoint(ctx context.Context, tip *types.Block, target uint64) error {
	cp := &types.Checkpoint{
		Name:        CheckpointName,
		BlockNumber: tip.Number,
		BlockHash:   tip.Hash,
		SyncedAt:    time.Now().Unix(),
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint at %d: %w", tip.Number, err)
	}

	e.status.LastProcessedBlock = tip.Number
	e.status.LastProcessedHash = tip.Hash
	e.status.TargetBlock = target
	if target > 0 {
		e.status.SyncedPercent = float64(tip.Number) / float64(target) * 100
	}
	e.setState(ctx, e.state, "")

	return nil
}

// handleReorg locates the common ancestor and resumes from there. The stale
// blocks above the ancestor stay in place for now; they are deleted in the
// same transaction that commits the replacement batch, so a crash in between
// cannot leave the chain truncated without its replacement.
func (e *Engine) handleReorg(ctx context.Context, localTip *types.Block) (*types.Block, error) {
	e.log.Warnw("chain reorganization detected", "local_tip", localTip.Number)

	ancestor, err := e.detector.FindCommonAncestor(ctx, localTip.Number)
	if err != nil {
		return localTip, fmt.Errorf("failed to find common ancestor: %w", err)
	}

	rollback := ancestor.Number
	e.pendingRollback = &rollback
	metrics.LocalTipSet(ancestor.Number)

	e.log.Warnw("resuming from common ancestor",
		"ancestor", ancestor.Number,
		"hash", ancestor.Hash.Hex(),
	)

	return ancestor, nil
}
