package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocksyncd/blocksyncd/internal/engine"
	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/store"
	"github.com/blocksyncd/blocksyncd/internal/types"
	"github.com/blocksyncd/blocksyncd/internal/validate"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Reader is the slice of the block store the API serves from.
type Reader interface {
	MaxHeight(ctx context.Context) (uint64, error)
	FindByHeight(ctx context.Context, number uint64) (*types.Block, error)
	TransfersByBlock(ctx context.Context, number uint64) ([]*types.Transfer, error)
	ListBlocks(ctx context.Context, filter store.BlockFilter) ([]*types.Block, int, error)
	ListTransfers(ctx context.Context, filter store.TransferFilter) ([]*types.Transfer, int, error)
	GetSyncStatus(ctx context.Context, name string) (*types.SyncStatus, error)
	GetCheckpoint(ctx context.Context, name string) (*types.Checkpoint, error)
}

// Handler handles HTTP requests for the API.
type Handler struct {
	reader Reader
	log    *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(reader Reader, log *logger.Logger) *Handler {
	return &Handler{reader: reader, log: log}
}

// Health reports API liveness.
// @Summary API health check
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListBlocks returns a page of indexed blocks, newest first by default.
// @Summary List indexed blocks
// @Tags Blocks
// @Produce json
// @Param from_block query int false "Filter blocks from this block number"
// @Param to_block query int false "Filter blocks up to this block number"
// @Param sort query string false "Sort order by block number" Enums(asc, desc) default(desc)
// @Param limit query int false "Maximum number of blocks to return" default(100)
// @Param offset query int false "Number of blocks to skip" default(0)
// @Success 200 {object} BlockListResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /blocks [get]
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseBlockFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	blocks, total, err := h.reader.ListBlocks(r.Context(), filter)
	if err != nil {
		h.log.Errorw("failed to list blocks", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list blocks")
		return
	}

	respondJSON(w, http.StatusOK, BlockListResponse{
		Blocks:     blocks,
		Pagination: Pagination{Limit: filter.Limit, Offset: filter.Offset, Total: total},
	})
}

// GetBlock returns a single block and its transfers.
// @Summary Get a block by number
// @Tags Blocks
// @Produce json
// @Param number path int true "Block number"
// @Success 200 {object} BlockResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /blocks/{number} [get]
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseUint(r.PathValue("number"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid block number")
		return
	}

	block, err := h.reader.FindByHeight(r.Context(), number)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("block %d not found", number))
		return
	}
	if err != nil {
		h.log.Errorw("failed to get block", "number", number, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get block")
		return
	}

	transfers, err := h.reader.TransfersByBlock(r.Context(), number)
	if err != nil {
		h.log.Errorw("failed to get block transfers", "number", number, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get block transfers")
		return
	}

	respondJSON(w, http.StatusOK, BlockResponse{Block: block, Transfers: transfers})
}

// ListTransfers returns a filtered page of transfers, newest first.
// @Summary List transfers
// @Tags Transfers
// @Produce json
// @Param address query string false "Filter by sender or recipient address"
// @Param token query string false "Filter by token contract address"
// @Param from_block query int false "Filter transfers from this block number"
// @Param to_block query int false "Filter transfers up to this block number"
// @Param limit query int false "Maximum number of transfers to return" default(100)
// @Param offset query int false "Number of transfers to skip" default(0)
// @Success 200 {object} TransferListResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /transfers [get]
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransferFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	transfers, total, err := h.reader.ListTransfers(r.Context(), filter)
	if err != nil {
		h.log.Errorw("failed to list transfers", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}

	respondJSON(w, http.StatusOK, TransferListResponse{
		Transfers:  transfers,
		Pagination: Pagination{Limit: filter.Limit, Offset: filter.Offset, Total: total},
	})
}

// GetStatus returns the sync progress.
// @Summary Get sync status
// @Tags System
// @Produce json
// @Success 200 {object} StatusResponse
// @Failure 500 {object} ErrorResponse
// @Router /status [get]
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{}

	status, err := h.reader.GetSyncStatus(r.Context(), engine.ProcessorName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Errorw("failed to get sync status", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get sync status")
		return
	}
	resp.Status = status

	cp, err := h.reader.GetCheckpoint(r.Context(), engine.CheckpointName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Errorw("failed to get checkpoint", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get checkpoint")
		return
	}
	resp.Checkpoint = cp

	tip, err := h.reader.MaxHeight(r.Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Errorw("failed to get local tip", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get local tip")
		return
	}
	resp.LocalTip = tip

	respondJSON(w, http.StatusOK, resp)
}

func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}

	return limit, offset, nil
}

func parseBlockFilter(r *http.Request) (store.BlockFilter, error) {
	var filter store.BlockFilter

	limit, offset, err := parsePagination(r)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	filter.Offset = offset

	filter.FromBlock, filter.ToBlock, err = parseBlockRange(r)
	if err != nil {
		return filter, err
	}

	switch r.URL.Query().Get("sort") {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		return filter, fmt.Errorf("sort must be asc or desc")
	}

	return filter, nil
}

func parseTransferFilter(r *http.Request) (store.TransferFilter, error) {
	var filter store.TransferFilter

	limit, offset, err := parsePagination(r)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	filter.Offset = offset

	query := r.URL.Query()

	if raw := query.Get("address"); raw != "" {
		if !validate.ValidAddressHex(raw) {
			return filter, fmt.Errorf("address must be a lowercase 0x-prefixed 20-byte hex string")
		}
		addr := common.HexToAddress(raw)
		filter.Address = &addr
	}

	if raw := query.Get("token"); raw != "" {
		if !validate.ValidAddressHex(raw) {
			return filter, fmt.Errorf("token must be a lowercase 0x-prefixed 20-byte hex string")
		}
		token := common.HexToAddress(raw)
		filter.Token = &token
	}

	filter.FromBlock, filter.ToBlock, err = parseBlockRange(r)
	if err != nil {
		return filter, err
	}

	return filter, nil
}

func parseBlockRange(r *http.Request) (fromBlock, toBlock *uint64, err error) {
	query := r.URL.Query()

	if raw := query.Get("from_block"); raw != "" {
		from, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("from_block must be a non-negative integer")
		}
		fromBlock = &from
	}

	if raw := query.Get("to_block"); raw != "" {
		to, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("to_block must be a non-negative integer")
		}
		toBlock = &to
	}

	if fromBlock != nil && toBlock != nil && *fromBlock > *toBlock {
		return nil, nil, fmt.Errorf("from_block cannot be greater than to_block")
	}

	return fromBlock, toBlock, nil
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")

	// Encode first so an encoding failure can still change the status
	encoded, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
