package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/blocksyncd/blocksyncd/internal/store"
	"github.com/blocksyncd/blocksyncd/internal/types"
)

// RepairGaps scans the stored range for missing blocks and backfills them.
// Gaps can only exist after a crash during an out-of-order import or manual
// surgery on the database; the normal batch path always extends the tip
// contiguously.
//
// A gap can also hide a reorganization: the stored blocks on either side may
// no longer belong to the chain the providers serve today. Every fill is
// therefore stitched against both neighbors, and when they disagree the
// stale side is rolled back in the same transaction that commits the fill.
func (e *Engine) RepairGaps(ctx context.Context) error {
	for {
		tip, err := e.store.MaxHeight(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		gaps, err := e.store.DetectGaps(ctx, e.cfg.StartBlock, tip)
		if err != nil {
			return fmt.Errorf("failed to detect gaps: %w", err)
		}
		if len(gaps) == 0 {
			return nil
		}

		// Filling across a reorg rolls back blocks outside the gap, which can
		// change the remaining gap set; re-detect after every fill.
		gap := gaps[0]
		e.log.Warnw("repairing gap in stored chain",
			"from", gap.From, "to", gap.To, "remaining", len(gaps))

		if err := e.fillGap(ctx, gap); err != nil {
			return fmt.Errorf("failed to repair gap [%d, %d]: %w", gap.From, gap.To, err)
		}
	}
}

// fillGap backfills a single gap in batch-sized chunks. Each chunk must
// extend the stored block directly below it; the final chunk must be the
// parent of the stored block directly above the gap.
func (e *Engine) fillGap(ctx context.Context, gap store.Gap) error {
	for from := gap.From; from <= gap.To; {
		to := min(from+uint64(e.cfg.BatchSize)-1, gap.To)

		batch, err := e.fetchRange(ctx, from, to)
		if err != nil {
			return err
		}
		if err := e.valid.ValidateBatch(batch); err != nil {
			return fmt.Errorf("range [%d, %d] failed validation: %w", from, to, err)
		}

		if from > e.cfg.StartBlock {
			below, err := e.store.FindByHeight(ctx, from-1)
			if err != nil {
				return fmt.Errorf("failed to load block %d below fill: %w", from-1, err)
			}
			if batch[0].Block.ParentHash != below.Hash {
				// The stored chain below the fill is on an abandoned fork.
				return e.repairAcrossReorg(ctx, below, gap)
			}
		}

		last := batch[len(batch)-1].Block

		if to == gap.To {
			above, err := e.store.FindByHeight(ctx, gap.To+1)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("failed to load block %d above gap: %w", gap.To+1, err)
			}
			if above != nil && above.ParentHash != last.Hash {
				// The stored blocks above the gap are on an abandoned fork;
				// they go away in the same commit that closes the gap.
				if _, _, err := e.store.SaveBatchWithRollback(ctx, to, batch); err != nil {
					return err
				}
				if err := e.verifyStored(ctx, &last); err != nil {
					return err
				}
				e.log.Warnw("gap closed, stale blocks above rolled back",
					"from", from, "to", to, "stale_from", gap.To+1)
				return nil
			}
		}

		if _, err := e.store.SaveBatch(ctx, batch); err != nil {
			return err
		}
		if err := e.verifyStored(ctx, &last); err != nil {
			return err
		}

		e.log.Infow("gap repaired", "from", from, "to", to)
		from = to + 1
	}
	return nil
}

// repairAcrossReorg re-anchors a fill whose first block does not extend the
// stored chain below it. Walks back to the common ancestor and replaces
// everything above it through the end of the gap in one commit.
func (e *Engine) repairAcrossReorg(ctx context.Context, below *types.Block, gap store.Gap) error {
	e.log.Warnw("gap fill does not extend stored chain",
		"below", below.Number, "gap_from", gap.From, "gap_to", gap.To)

	ancestor, err := e.detector.FindCommonAncestor(ctx, below.Number)
	if err != nil {
		return fmt.Errorf("failed to find common ancestor below gap: %w", err)
	}

	batch, err := e.fetchRange(ctx, ancestor.Number+1, gap.To)
	if err != nil {
		return err
	}
	if err := e.valid.ValidateBatch(batch); err != nil {
		return fmt.Errorf("range [%d, %d] failed validation: %w", ancestor.Number+1, gap.To, err)
	}
	if batch[0].Block.ParentHash != ancestor.Hash {
		return fmt.Errorf("refetched chain does not extend ancestor %d", ancestor.Number)
	}

	if _, _, err := e.store.SaveBatchWithRollback(ctx, ancestor.Number, batch); err != nil {
		return err
	}

	last := batch[len(batch)-1].Block
	if err := e.verifyStored(ctx, &last); err != nil {
		return err
	}

	e.log.Warnw("gap re-anchored through common ancestor",
		"ancestor", ancestor.Number, "refilled_to", gap.To)
	return nil
}
