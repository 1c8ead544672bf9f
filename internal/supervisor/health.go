package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blocksyncd/blocksyncd/internal/engine"
	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/metrics"
	"github.com/blocksyncd/blocksyncd/internal/store"
)

// checkTimeout bounds the database and chain checks behind the health
// endpoints so a stalled dependency cannot wedge the health server.
const checkTimeout = 2 * time.Second

type healthServer struct {
	srv *http.Server
	log *logger.Logger
}

// startHealthServer serves the liveness, readiness, metrics and meta
// endpoints on the health port.
func (s *Supervisor) startHealthServer() *healthServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/meta", s.handleMeta)
	mux.Handle("/metrics", promhttp.Handler())

	hs := &healthServer{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", s.cfg.HealthCheckPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: s.log,
	}

	go func() {
		s.log.Infow("health server listening", "addr", hs.srv.Addr)
		if err := hs.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("health server failed", "error", err)
		}
	}()

	return hs
}

func (h *healthServer) stop(ctx context.Context) {
	if err := h.srv.Shutdown(ctx); err != nil {
		h.log.Errorw("health server shutdown failed", "error", err)
	}
}

// handleHealthz is liveness plus dependency health: it checks the database
// and an RPC endpoint and reports the sync lag. Any failing check degrades
// the response to 503.
func (s *Supervisor) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	healthy := true
	checks := make(map[string]any, 3)

	if err := s.store.Ping(ctx); err != nil {
		healthy = false
		checks["database"] = fmt.Sprintf("error: %v", err)
	} else {
		checks["database"] = "ok"
	}

	var chainMax uint64
	if head, err := s.chain.HeadHeight(ctx); err != nil {
		healthy = false
		checks["rpc"] = fmt.Sprintf("error: %v", err)
	} else {
		chainMax = head
		checks["rpc"] = "ok"
	}

	var localMax uint64
	if height, err := s.store.MaxHeight(ctx); err == nil {
		localMax = height
	} else if !errors.Is(err, store.ErrNotFound) {
		healthy = false
	}

	var lag uint64
	if chainMax > localMax {
		lag = chainMax - localMax
	}
	checks["sync"] = map[string]any{
		"lag":      lag,
		"localMax": localMax,
		"chainMax": chainMax,
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": metrics.UptimeSeconds(),
		"checks": checks,
	})
}

// handleReady is readiness: the instance holds the writer lock, the engine
// is running, and the store answers. During shutdown this flips to 503
// before the engine drains so load balancers stop routing first.
func (s *Supervisor) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"state":  s.engine.State(),
	})
}

// handleMeta reports instance identity and sync progress for debugging
// multi-instance deployments.
func (s *Supervisor) handleMeta(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	body := map[string]any{
		"instance_id":    s.cfg.InstanceID,
		"lock":           s.cfg.Lock.Name,
		"chain_id":       s.chainID,
		"state":          s.engine.State(),
		"started_at":     s.started.UTC().Format(time.RFC3339),
		"uptime_seconds": metrics.UptimeSeconds(),
	}

	var chainTip, localTip uint64
	if head, err := s.chain.HeadHeight(ctx); err == nil {
		chainTip = head
		body["chain_tip"] = chainTip
	}
	if height, err := s.store.MaxHeight(ctx); err == nil {
		localTip = height
		body["local_tip"] = localTip
	}
	if chainTip > localTip {
		body["lag"] = chainTip - localTip
	} else {
		body["lag"] = uint64(0)
	}

	if cp, err := s.store.GetCheckpoint(ctx, engine.CheckpointName); err == nil {
		body["last_sync_at"] = time.Unix(cp.SyncedAt, 0).UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
