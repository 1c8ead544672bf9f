// Package engine drives the sync loop: it discovers how far the local chain
// lags the confirmed chain head, fetches the missing blocks in bounded
// batches, validates them, and commits them atomically with a checkpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	internalcommon "github.com/blocksyncd/blocksyncd/internal/common"
	"github.com/blocksyncd/blocksyncd/internal/config"
	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/metrics"
	"github.com/blocksyncd/blocksyncd/internal/reorg"
	"github.com/blocksyncd/blocksyncd/internal/retry"
	"github.com/blocksyncd/blocksyncd/internal/store"
	"github.com/blocksyncd/blocksyncd/internal/types"
	"github.com/blocksyncd/blocksyncd/internal/validate"
)

// ProcessorName identifies this engine's sync status row and advisory lock.
const ProcessorName = "block-sync"

// CheckpointName is the checkpoint row tracking the committed tip.
const CheckpointName = "latest"

// MaxConsecutiveErrors is how many batches may fail in a row before the
// engine gives up and asks for a shutdown.
const MaxConsecutiveErrors = 5

// ErrTooManyFailures is returned by Run when MaxConsecutiveErrors is reached.
var ErrTooManyFailures = errors.New("too many consecutive batch failures")

// ChainClient is the slice of the chain client the engine needs.
type ChainClient interface {
	HeadHeight(ctx context.Context) (uint64, error)
	BlockAt(ctx context.Context, blockNum, chainID uint64) (*types.Block, error)
	BlocksInRange(ctx context.Context, from, to, chainID uint64) ([]types.Block, error)
	TransferLogs(ctx context.Context, token common.Address, from, to uint64) ([]types.Transfer, error)
}

// Store is the slice of the block store the engine needs.
type Store interface {
	MaxHeight(ctx context.Context) (uint64, error)
	FindByHeight(ctx context.Context, number uint64) (*types.Block, error)
	SaveBatch(ctx context.Context, batch []types.BlockWithTransfers) (int, error)
	SaveBatchWithRollback(ctx context.Context, rollbackAfter uint64, batch []types.BlockWithTransfers) (int, int64, error)
	DetectGaps(ctx context.Context, from, to uint64) ([]store.Gap, error)
	SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	GetCheckpoint(ctx context.Context, name string) (*types.Checkpoint, error)
	UpsertSyncStatus(ctx context.Context, status *types.SyncStatus) error
}

// AncestorFinder is the slice of the reorg detector the engine needs.
type AncestorFinder interface {
	TipDiverged(ctx context.Context, localTip *types.Block) (bool, error)
	FindCommonAncestor(ctx context.Context, fromHeight uint64) (*types.Block, error)
}

// Limiter is the admission control in front of chain requests.
type Limiter interface {
	Consume(ctx context.Context, n int64, maxRetries int) error
}

// Engine is the sync engine. One instance runs per process, and the
// supervisor guarantees one writing process per database.
type Engine struct {
	cfg      *config.Config
	chain    ChainClient
	store    Store
	detector AncestorFinder
	limiter  Limiter
	valid    *validate.Validator
	log      *logger.Logger

	chainID uint64
	token   common.Address

	state    string
	status   types.SyncStatus
	failures int

	// pendingRollback is set after a reorg is detected; the stale blocks
	// above it are deleted in the same transaction that commits the
	// replacement batch.
	pendingRollback *uint64
}

// New creates a sync engine.
func New(
	cfg *config.Config,
	chain ChainClient,
	blockStore Store,
	detector AncestorFinder,
	limiter Limiter,
	chainID uint64,
	log *logger.Logger,
) *Engine {
	e := &Engine{
		cfg:      cfg,
		chain:    chain,
		store:    blockStore,
		detector: detector,
		limiter:  limiter,
		valid:    validate.New(),
		log:      log,
		chainID:  chainID,
		state:    types.StateIdle,
		status:   types.SyncStatus{ProcessorName: ProcessorName, State: types.StateIdle},
	}
	if cfg.FetchLogsEnabled() {
		e.token = common.HexToAddress(cfg.TokenContractAddress)
	}

	metrics.ComponentHealthSet(internalcommon.ComponentEngine, true)
	return e
}

// Run executes the sync loop until the context is cancelled or a fatal error
// occurs. A cancelled context is a clean shutdown and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		e.setState(context.WithoutCancel(ctx), types.StateShutdown, "")
		metrics.ComponentHealthSet(internalcommon.ComponentEngine, false)
	}()

	localTip, err := e.resumePoint(ctx)
	if err != nil {
		return fmt.Errorf("failed to determine resume point: %w", err)
	}

	if localTip == nil {
		e.log.Infow("starting from configured block", "start_block", e.cfg.StartBlock)
	} else {
		e.log.Infow("resuming sync", "local_tip", localTip.Number, "hash", localTip.Hash.Hex())

		if err := e.RepairGaps(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to repair gaps: %w", err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			e.log.Info("sync loop stopping")
			return nil
		}

		localTip, err = e.step(ctx, localTip)
		if err == nil {
			e.failures = 0
			metrics.ConsecutiveFailuresSet(0)
			continue
		}

		if errors.Is(err, context.Canceled) {
			e.log.Info("sync loop stopping")
			return nil
		}

		if fatalSyncError(err) {
			e.setState(ctx, e.state, err.Error())
			e.log.Errorw("unrecoverable sync error", "error", err)
			return fmt.Errorf("fatal sync error: %w", err)
		}

		e.failures++
		metrics.ConsecutiveFailuresSet(e.failures)
		e.log.Errorw("batch failed",
			"consecutive_failures", e.failures,
			"max", MaxConsecutiveErrors,
			"error", err,
		)
		e.setState(ctx, e.state, err.Error())

		if e.failures >= MaxConsecutiveErrors {
			return fmt.Errorf("%w: last error: %v", ErrTooManyFailures, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.PollInterval.Duration):
		}
	}
}

// step advances the local chain by at most one batch and returns the new
// local tip.
func (e *Engine) step(ctx context.Context, localTip *types.Block) (*types.Block, error) {
	head, err := e.headHeight(ctx)
	if err != nil {
		return localTip, err
	}
	metrics.ChainTipSet(head)

	target, ok := e.syncTarget(head)
	if !ok {
		// Not enough confirmed blocks on chain yet.
		return localTip, e.idle(ctx, localTip, target)
	}

	from := e.cfg.StartBlock
	if localTip != nil {
		from = localTip.Number + 1
	}

	if from > target {
		// Nothing new to fetch, but the chain can still replace the blocks we
		// already hold at the same heights.
		if localTip != nil {
			diverged, derr := e.detector.TipDiverged(ctx, localTip)
			if derr != nil {
				return localTip, derr
			}
			if diverged {
				return e.handleReorg(ctx, localTip)
			}
		}
		return localTip, e.idle(ctx, localTip, target)
	}

	if target-from+1 > uint64(e.cfg.BatchSize) {
		e.setState(ctx, types.StateCatchup, "")
	} else {
		e.setState(ctx, types.StateTail, "")
	}

	to := min(from+uint64(e.cfg.BatchSize)-1, target)

	newTip, err := e.syncBatch(ctx, localTip, from, to, target)
	if err != nil {
		var detected *divergedTipError
		if errors.As(err, &detected) {
			return e.handleReorg(ctx, localTip)
		}
		return localTip, err
	}
	return newTip, nil
}

// idle waits one poll interval while the chain produces new blocks.
func (e *Engine) idle(ctx context.Context, localTip *types.Block, target uint64) error {
	e.setState(ctx, types.StateTail, "")
	if localTip != nil {
		metrics.SyncLagSet(0)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.cfg.PollInterval.Duration):
		return nil
	}
}

// syncTarget converts the chain head into the highest block the engine may
// index. Blocks closer to the head than the confirmation depth are left
// alone until they settle.
func (e *Engine) syncTarget(head uint64) (uint64, bool) {
	depth := *e.cfg.ConfirmationDepth
	if head < depth {
		return 0, false
	}
	return head - depth, true
}

// resumePoint loads the block to resume from: the stored tip when present,
// cross-checked against the checkpoint. Returns nil when the store is empty.
func (e *Engine) resumePoint(ctx context.Context) (*types.Block, error) {
	e.setState(ctx, types.StateIdle, "")

	height, err := e.store.MaxHeight(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tip, err := e.store.FindByHeight(ctx, height)
	if err != nil {
		return nil, err
	}

	cp, err := e.store.GetCheckpoint(ctx, CheckpointName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if cp != nil && cp.BlockNumber != tip.Number {
		// A crash between commit and checkpoint leaves the checkpoint one
		// batch behind the store. The store is the source of truth.
		e.log.Warnw("checkpoint behind stored tip",
			"checkpoint", cp.BlockNumber, "stored_tip", tip.Number)
	}

	return tip, nil
}

func (e *Engine) headHeight(ctx context.Context) (uint64, error) {
	if err := e.limiter.Consume(ctx, 1, e.cfg.MaxRetries); err != nil {
		return 0, err
	}
	return e.chain.HeadHeight(ctx)
}

// setState persists the engine state for the status API, keeping the last
// recorded progress fields. Failure to persist status is logged, not
// propagated; status is advisory.
func (e *Engine) setState(ctx context.Context, state, errMsg string) {
	e.state = state
	e.status.State = state
	e.status.ErrorMessage = errMsg
	if err := e.store.UpsertSyncStatus(ctx, &e.status); err != nil {
		e.log.Warnw("failed to persist sync status", "state", state, "error", err)
	}
}

// State returns the engine's current state for health reporting.
func (e *Engine) State() string {
	return e.state
}

// fatalSyncError reports errors retrying cannot fix: an unresolvable
// reorganization, a rollback deeper than the allowed window, or anything
// the classifier maps to a shutdown.
func fatalSyncError(err error) bool {
	if errors.Is(err, reorg.ErrNoCommonAncestor) ||
		errors.Is(err, reorg.ErrCycleDetected) ||
		errors.Is(err, reorg.ErrExtremeReorg) ||
		errors.Is(err, store.ErrReorgDepthExceeded) {
		return true
	}
	_, action := retry.Classify(err)
	return action == retry.ActionShutdown
}
