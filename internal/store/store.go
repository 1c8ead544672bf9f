// Package store is the persistence layer for blocks, transfers, checkpoints
// and sync status. All multi-row writes happen inside a single transaction so
// a crash can never leave a block without its transfers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"

	internalcommon "github.com/blocksyncd/blocksyncd/internal/common"
	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/metrics"
	"github.com/blocksyncd/blocksyncd/internal/types"
)

// MaxReorgDepth is the largest rollback DeleteAfter will perform. Anything
// deeper is treated as an operator problem, not something to handle silently.
const MaxReorgDepth = 1000

var (
	// ErrNotFound reports that the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReorgDepthExceeded reports a rollback that would remove more than
	// MaxReorgDepth blocks.
	ErrReorgDepthExceeded = errors.New("reorg depth exceeds maximum rollback window")

	// ErrHashMismatch reports an attempt to write a block whose height is
	// already stored under a different hash. Stale blocks are only ever
	// removed through the rollback path, never overwritten in place.
	ErrHashMismatch = errors.New("stored block hash differs at height")
)

// Gap is a contiguous range of missing block numbers, inclusive on both ends.
type Gap struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// BlockStore provides access to the indexed chain data.
type BlockStore struct {
	db  *sql.DB
	log *logger.Logger
}

// New creates a BlockStore on the given database.
func New(database *sql.DB, log *logger.Logger) *BlockStore {
	metrics.ComponentHealthSet(internalcommon.ComponentBlockStore, true)
	return &BlockStore{db: database, log: log}
}

// DB exposes the underlying handle for components that share the database.
func (s *BlockStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *BlockStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *BlockStore) Close() error {
	metrics.ComponentHealthSet(internalcommon.ComponentBlockStore, false)
	return s.db.Close()
}

func (s *BlockStore) observe(operation string, start time.Time, err error) {
	metrics.DBQueryInc(operation)
	metrics.DBQueryDuration(operation, time.Since(start))
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.DBErrorInc(operation, "query")
	}
}

// MaxHeight returns the highest block number in the store, or ErrNotFound
// when the store is empty.
func (s *BlockStore) MaxHeight(ctx context.Context) (height uint64, err error) {
	defer s.observe("max_height", time.Now(), err)

	var max sql.NullInt64
	err = s.db.QueryRowContext(ctx, "SELECT MAX(number) FROM blocks").Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query max height: %w", err)
	}
	if !max.Valid {
		return 0, ErrNotFound
	}
	return uint64(max.Int64), nil
}

// FindByHeight returns the block at the given height, or ErrNotFound.
func (s *BlockStore) FindByHeight(ctx context.Context, number uint64) (block *types.Block, err error) {
	defer s.observe("find_by_height", time.Now(), err)

	block = &types.Block{}
	err = meddler.QueryRow(s.db, block, "SELECT * FROM blocks WHERE number = ?", number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query block %d: %w", number, err)
	}
	return block, nil
}

// FindByHash returns the block with the given hash, or ErrNotFound.
func (s *BlockStore) FindByHash(ctx context.Context, hash common.Hash) (block *types.Block, err error) {
	defer s.observe("find_by_hash", time.Now(), err)

	block = &types.Block{}
	err = meddler.QueryRow(s.db, block,
		"SELECT * FROM blocks WHERE hash = ?", hashParam(hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query block by hash %s: %w", hash.Hex(), err)
	}
	return block, nil
}

// BlocksInRange returns all stored blocks with from <= number <= to, ordered
// ascending.
func (s *BlockStore) BlocksInRange(ctx context.Context, from, to uint64) (blocks []*types.Block, err error) {
	defer s.observe("blocks_in_range", time.Now(), err)

	err = meddler.QueryAll(s.db, &blocks,
		"SELECT * FROM blocks WHERE number >= ? AND number <= ? ORDER BY number ASC", from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks in range [%d, %d]: %w", from, to, err)
	}
	return blocks, nil
}

// TransfersByBlock returns the transfers of a single block ordered by log
// index.
func (s *BlockStore) TransfersByBlock(ctx context.Context, number uint64) (transfers []*types.Transfer, err error) {
	defer s.observe("transfers_by_block", time.Now(), err)

	err = meddler.QueryAll(s.db, &transfers,
		"SELECT * FROM transfers WHERE block_number = ? ORDER BY log_index ASC", number)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers for block %d: %w", number, err)
	}
	return transfers, nil
}

// SaveBatch persists a validated batch of blocks and their transfers in a
// single transaction. A block whose (number, hash) already exists is skipped,
// which makes replaying an already committed batch a no-op. A block whose
// number exists under a different hash fails the whole batch with
// ErrHashMismatch; the caller must roll back the stale blocks first.
// Returns the number of blocks written.
func (s *BlockStore) SaveBatch(ctx context.Context, batch []types.BlockWithTransfers) (written int, err error) {
	defer s.observe("save_batch", time.Now(), err)

	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", rbErr)
		}
	}()

	written, err = saveBatchTx(tx, batch)
	if err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	return written, nil
}

// SaveBatchWithRollback deletes every block above rollbackAfter and writes the
// replacement batch in the same transaction, so a crash between the two steps
// can never leave the rolled-back chain without its replacement. Refuses
// rollbacks deeper than MaxReorgDepth. Before committing it verifies the
// cascade left no transfer without a parent block. Returns the number of
// blocks written and deleted.
func (s *BlockStore) SaveBatchWithRollback(ctx context.Context, rollbackAfter uint64, batch []types.BlockWithTransfers) (written int, deleted int64, err error) {
	defer s.observe("save_batch_with_rollback", time.Now(), err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", rbErr)
		}
	}()

	var count int64
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM blocks WHERE number > ?", rollbackAfter).Scan(&count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count blocks above %d: %w", rollbackAfter, err)
	}
	if count > MaxReorgDepth {
		return 0, 0, fmt.Errorf("%w: would delete %d blocks above %d (max %d)",
			ErrReorgDepthExceeded, count, rollbackAfter, MaxReorgDepth)
	}

	if count > 0 {
		result, execErr := tx.ExecContext(ctx, "DELETE FROM blocks WHERE number > ?", rollbackAfter)
		if execErr != nil {
			return 0, 0, fmt.Errorf("failed to delete blocks above %d: %w", rollbackAfter, execErr)
		}
		deleted, _ = result.RowsAffected()
	}

	written, err = saveBatchTx(tx, batch)
	if err != nil {
		return 0, 0, err
	}

	var orphans int64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transfers t
		WHERE NOT EXISTS (SELECT 1 FROM blocks b WHERE b.number = t.block_number)`).Scan(&orphans)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to verify transfer linkage: %w", err)
	}
	if orphans > 0 {
		return 0, 0, fmt.Errorf("rollback above %d left %d orphaned transfers", rollbackAfter, orphans)
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit rollback batch: %w", err)
	}

	s.log.Infow("rolled back and replaced blocks",
		"above", rollbackAfter, "deleted", deleted, "written", written)
	return written, deleted, nil
}

// saveBatchTx writes the batch inside the caller's transaction.
func saveBatchTx(tx *sql.Tx, batch []types.BlockWithTransfers) (written int, err error) {
	for i := range batch {
		block := &batch[i].Block

		existing := &types.Block{}
		qErr := meddler.QueryRow(tx, existing, "SELECT * FROM blocks WHERE number = ?", block.Number)
		switch {
		case qErr == nil && existing.Hash == block.Hash:
			continue
		case qErr == nil:
			return 0, fmt.Errorf("%w: block %d stored as %s, batch carries %s",
				ErrHashMismatch, block.Number, existing.Hash.Hex(), block.Hash.Hex())
		case !errors.Is(qErr, sql.ErrNoRows):
			return 0, fmt.Errorf("failed to query block %d: %w", block.Number, qErr)
		}

		if err = meddler.Insert(tx, "blocks", block); err != nil {
			return 0, fmt.Errorf("failed to insert block %d: %w", block.Number, err)
		}

		for j := range batch[i].Transfers {
			if err = meddler.Insert(tx, "transfers", &batch[i].Transfers[j]); err != nil {
				return 0, fmt.Errorf("failed to insert transfer %d/%d: %w",
					block.Number, batch[i].Transfers[j].LogIndex, err)
			}
		}

		written++
	}
	return written, nil
}

// DeleteAfter removes all blocks with number > the given height, together
// with their transfers. Refuses to roll back more than MaxReorgDepth blocks.
// Returns the number of blocks deleted.
func (s *BlockStore) DeleteAfter(ctx context.Context, number uint64) (deleted int64, err error) {
	defer s.observe("delete_after", time.Now(), err)

	var count int64
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM blocks WHERE number > ?", number).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count blocks above %d: %w", number, err)
	}

	if count > MaxReorgDepth {
		return 0, fmt.Errorf("%w: would delete %d blocks above %d (max %d)",
			ErrReorgDepthExceeded, count, number, MaxReorgDepth)
	}
	if count == 0 {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM blocks WHERE number > ?", number)
	if err != nil {
		return 0, fmt.Errorf("failed to delete blocks above %d: %w", number, err)
	}

	deleted, _ = result.RowsAffected()
	s.log.Infow("rolled back blocks", "above", number, "deleted", deleted)
	return deleted, nil
}

// DetectGaps returns the ranges of missing block numbers within
// [from, to], ordered ascending.
func (s *BlockStore) DetectGaps(ctx context.Context, from, to uint64) (gaps []Gap, err error) {
	defer s.observe("detect_gaps", time.Now(), err)

	if from > to {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT number FROM blocks WHERE number >= ? AND number <= ? ORDER BY number ASC",
		from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query block numbers in [%d, %d]: %w", from, to, err)
	}
	defer rows.Close()

	next := from
	for rows.Next() {
		var number uint64
		if err = rows.Scan(&number); err != nil {
			return nil, fmt.Errorf("failed to scan block number: %w", err)
		}
		if number > next {
			gaps = append(gaps, Gap{From: next, To: number - 1})
		}
		next = number + 1
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate block numbers: %w", err)
	}

	if next <= to {
		gaps = append(gaps, Gap{From: next, To: to})
	}

	return gaps, nil
}

// SaveCheckpoint upserts the named checkpoint.
func (s *BlockStore) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) (err error) {
	defer s.observe("save_checkpoint", time.Now(), err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, block_number, block_hash, synced_at, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			block_number = excluded.block_number,
			block_hash   = excluded.block_hash,
			synced_at    = excluded.synced_at,
			metadata     = excluded.metadata`,
		cp.Name, cp.BlockNumber, hashParam(cp.BlockHash), cp.SyncedAt, cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", cp.Name, err)
	}
	return nil
}

// GetCheckpoint returns the named checkpoint, or ErrNotFound.
func (s *BlockStore) GetCheckpoint(ctx context.Context, name string) (cp *types.Checkpoint, err error) {
	defer s.observe("get_checkpoint", time.Now(), err)

	cp = &types.Checkpoint{}
	err = meddler.QueryRow(s.db, cp, "SELECT * FROM checkpoints WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint %q: %w", name, err)
	}
	return cp, nil
}

// UpsertSyncStatus records the coarse progress row surfaced by the status API.
func (s *BlockStore) UpsertSyncStatus(ctx context.Context, status *types.SyncStatus) (err error) {
	defer s.observe("upsert_sync_status", time.Now(), err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_status (processor_name, last_processed_block, last_processed_hash,
			target_block, synced_percent, state, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(processor_name) DO UPDATE SET
			last_processed_block = excluded.last_processed_block,
			last_processed_hash  = excluded.last_processed_hash,
			target_block         = excluded.target_block,
			synced_percent       = excluded.synced_percent,
			state                = excluded.state,
			error_message        = excluded.error_message`,
		status.ProcessorName, status.LastProcessedBlock, hashParam(status.LastProcessedHash),
		status.TargetBlock, status.SyncedPercent, status.State, status.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to upsert sync status %q: %w", status.ProcessorName, err)
	}
	return nil
}

// GetSyncStatus returns the named sync status row, or ErrNotFound.
func (s *BlockStore) GetSyncStatus(ctx context.Context, name string) (status *types.SyncStatus, err error) {
	defer s.observe("get_sync_status", time.Now(), err)

	status = &types.SyncStatus{}
	err = meddler.QueryRow(s.db, status,
		"SELECT * FROM sync_status WHERE processor_name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sync status %q: %w", name, err)
	}
	return status, nil
}

// hashParam renders a hash the way the hash meddler stores it, so raw SQL and
// meddler queries agree on the stored form.
func hashParam(hash common.Hash) string {
	return hash.Hex()
}
