// Package supervisor owns the process lifecycle: it guarantees a single
// writing instance via an advisory lock, serves the health endpoints, and
// tears the components down in order on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	internalcommon "github.com/blocksyncd/blocksyncd/internal/common"
	"github.com/blocksyncd/blocksyncd/internal/config"
	"github.com/blocksyncd/blocksyncd/internal/engine"
	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/metrics"
	"github.com/blocksyncd/blocksyncd/internal/store"
	"github.com/blocksyncd/blocksyncd/internal/types"
)

// HeadSource is the slice of the chain client the health checks need.
type HeadSource interface {
	HeadHeight(ctx context.Context) (uint64, error)
}

// ErrLockContention is returned when another live instance holds the writer
// lock. It is a clean exit, not a failure.
var ErrLockContention = errors.New("another instance holds the writer lock")

// systemMetricsInterval is how often runtime gauges are refreshed.
const systemMetricsInterval = 10 * time.Second

// Supervisor wires the engine, store and health server together and runs
// them until the context is cancelled.
type Supervisor struct {
	cfg    *config.Config
	store  *store.BlockStore
	engine *engine.Engine
	chain  HeadSource
	log    *logger.Logger

	chainID uint64
	ready   atomic.Bool
	started time.Time
}

// New creates a supervisor.
func New(cfg *config.Config, blockStore *store.BlockStore, eng *engine.Engine, chain HeadSource, chainID uint64, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		store:   blockStore,
		engine:  eng,
		chain:   chain,
		log:     log,
		chainID: chainID,
		started: time.Now(),
	}
}

// Run acquires the writer lock and drives the engine until ctx is cancelled
// or the engine fails fatally. Returns ErrLockContention without starting
// anything when another instance is active.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.store.UpsertSyncStatus(ctx, &types.SyncStatus{
		ProcessorName: engine.ProcessorName,
		State:         types.StateAcquireLock,
	}); err != nil {
		s.log.Warnw("failed to record acquire-lock state", "error", err)
	}

	acquired, err := s.store.TryAcquireLock(ctx, s.cfg.Lock.Name, s.cfg.InstanceID, s.cfg.Lock.TTL.Duration)
	if err != nil {
		return fmt.Errorf("failed to acquire writer lock: %w", err)
	}
	if !acquired {
		holder, _ := s.store.LockHolder(ctx, s.cfg.Lock.Name)
		s.log.Infow("writer lock held by another instance, exiting",
			"lock", s.cfg.Lock.Name,
			"holder", holder,
		)
		return ErrLockContention
	}
	s.log.Infow("writer lock acquired", "lock", s.cfg.Lock.Name, "instance_id", s.cfg.InstanceID)

	healthSrv := s.startHealthServer()

	metrics.ComponentHealthSet(internalcommon.ComponentSupervisor, true)
	s.ready.Store(true)

	// The engine runs on its own context so cancellation order is ours to
	// control during shutdown.
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- s.engine.Run(engineCtx)
	}()

	renewTicker := time.NewTicker(s.cfg.Lock.TTL.Duration / 3)
	defer renewTicker.Stop()
	sysTicker := time.NewTicker(systemMetricsInterval)
	defer sysTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(cancelEngine, engineDone, healthSrv)

		case err := <-engineDone:
			s.teardown(healthSrv)
			if err != nil {
				return fmt.Errorf("sync engine failed: %w", err)
			}
			return nil

		case <-renewTicker.C:
			renewed, err := s.store.RenewLock(ctx, s.cfg.Lock.Name, s.cfg.InstanceID, s.cfg.Lock.TTL.Duration)
			if err != nil || !renewed {
				// Losing the lock means another writer may be live. Stop
				// writing immediately.
				s.log.Errorw("writer lock lost, stopping", "error", err)
				s.drainEngine(cancelEngine, engineDone)
				s.teardown(healthSrv)
				return fmt.Errorf("writer lock lost: renewed=%v err=%v", renewed, err)
			}

		case <-sysTicker.C:
			metrics.UpdateSystemMetrics()
		}
	}
}

// shutdown is the clean path: stop accepting traffic, drain the engine,
// stop the health server, release the lock.
func (s *Supervisor) shutdown(cancelEngine context.CancelFunc, engineDone <-chan error, healthSrv *healthServer) error {
	s.log.Info("shutting down")
	s.ready.Store(false)

	s.drainEngine(cancelEngine, engineDone)
	s.teardown(healthSrv)

	s.log.Info("shutdown complete")
	return nil
}

// drainEngine cancels the engine and waits up to the drain timeout for the
// current batch to finish.
func (s *Supervisor) drainEngine(cancelEngine context.CancelFunc, engineDone <-chan error) {
	cancelEngine()

	select {
	case err := <-engineDone:
		if err != nil {
			s.log.Warnw("engine exited with error during drain", "error", err)
		}
	case <-time.After(s.cfg.DrainTimeout.Duration):
		s.log.Warnw("engine drain timed out", "timeout", s.cfg.DrainTimeout.Duration)
	}
}

// teardown stops the health server and releases the writer lock. Runs on a
// fresh context because the run context is already cancelled by now.
func (s *Supervisor) teardown(healthSrv *healthServer) {
	s.ready.Store(false)
	metrics.ComponentHealthSet(internalcommon.ComponentSupervisor, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthSrv.stop(ctx)

	if err := s.store.ReleaseLock(ctx, s.cfg.Lock.Name, s.cfg.InstanceID); err != nil {
		s.log.Warnw("failed to release writer lock", "error", err)
	} else {
		s.log.Infow("writer lock released", "lock", s.cfg.Lock.Name)
	}
}
