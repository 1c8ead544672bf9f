package api

import "github.com/blocksyncd/blocksyncd/internal/types"

// Pagination describes the window of a list response.
type Pagination struct {
	Limit  int `json:"limit" example:"100"`
	Offset int `json:"offset" example:"0"`
	Total  int `json:"total" example:"1234"`
}

// BlockListResponse is a page of blocks.
type BlockListResponse struct {
	Blocks     []*types.Block `json:"blocks"`
	Pagination Pagination     `json:"pagination"`
}

// TransferListResponse is a page of transfers.
type TransferListResponse struct {
	Transfers  []*types.Transfer `json:"transfers"`
	Pagination Pagination        `json:"pagination"`
}

// BlockResponse is a single block with its transfers.
type BlockResponse struct {
	Block     *types.Block      `json:"block"`
	Transfers []*types.Transfer `json:"transfers"`
}

// StatusResponse reports sync progress.
type StatusResponse struct {
	Status     *types.SyncStatus `json:"status"`
	Checkpoint *types.Checkpoint `json:"checkpoint,omitempty"`
	LocalTip   uint64            `json:"local_tip"`
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error   string `json:"error" example:"Bad Request"`
	Message string `json:"message" example:"invalid block number"`
	Code    int    `json:"code" example:"400"`
}
