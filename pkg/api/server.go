package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	httpSwagger "github.com/swaggo/http-swagger"

	internalcommon "github.com/blocksyncd/blocksyncd/internal/common"
	"github.com/blocksyncd/blocksyncd/internal/config"
	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/metrics"
	"github.com/blocksyncd/blocksyncd/pkg/api/docs"
)

// Ensure docs are initialized
var _ = docs.SwaggerInfo

const shutdownCtxTimeout = 10 * time.Second

// Server is the read-only API HTTP server.
type Server struct {
	handler *Handler
	server  *http.Server
	log     *logger.Logger
}

// NewServer creates the API server on the configured port.
func NewServer(cfg *config.Config, reader Reader, log *logger.Logger) *Server {
	handler := NewHandler(reader, log)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("GET /api/v1/blocks", handler.ListBlocks)
	mux.HandleFunc("GET /api/v1/blocks/{number}", handler.GetBlock)
	mux.HandleFunc("GET /api/v1/transfers", handler.ListTransfers)
	mux.HandleFunc("GET /api/v1/status", handler.GetStatus)

	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL(fmt.Sprintf("http://localhost:%d/swagger/doc.json", cfg.APIPort)),
		httpSwagger.DeepLinking(true),
	))

	var h http.Handler = mux
	h = RecoveryMiddleware(log)(h)
	h = LoggingMiddleware(log)(h)

	if cfg.API.CORSEnabled {
		h = CORSMiddleware(cfg.API.CORSAllowedOrigins)(h)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      h,
		ReadTimeout:  cfg.API.ReadTimeout.Duration,
		WriteTimeout: cfg.API.WriteTimeout.Duration,
		IdleTimeout:  cfg.API.IdleTimeout.Duration,
	}

	return &Server{
		handler: handler,
		server:  httpServer,
		log:     log,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.log.Infow("starting API server", "addr", s.server.Addr)
	metrics.ComponentHealthSet(internalcommon.ComponentAPI, true)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("API server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownCtxTimeout)
	defer cancel()

	s.log.Info("shutting down API server")
	metrics.ComponentHealthSet(internalcommon.ComponentAPI, false)
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown error: %w", err)
	}

	s.log.Info("API server stopped")
	return nil
}
