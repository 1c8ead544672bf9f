// Package types holds the records shared between the chain client, validator,
// block store and sync engine. The meddler tags bind them to the SQLite
// schema.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Block is a single indexed block.
type Block struct {
	Number     uint64      `meddler:"number" json:"number"`
	Hash       common.Hash `meddler:"hash,hash" json:"hash"`
	ParentHash common.Hash `meddler:"parent_hash,hash" json:"parent_hash"`
	Timestamp  uint64      `meddler:"timestamp" json:"timestamp"`
	ChainID    uint64      `meddler:"chain_id" json:"chain_id"`
}

// Transfer is a single ERC-20 Transfer event extracted from a block's logs.
// (BlockNumber, LogIndex) is the natural key.
type Transfer struct {
	BlockNumber     uint64         `meddler:"block_number" json:"block_number"`
	TransactionHash common.Hash    `meddler:"transaction_hash,hash" json:"transaction_hash"`
	LogIndex        uint64         `meddler:"log_index" json:"log_index"`
	From            common.Address `meddler:"from_address,address" json:"from"`
	To              common.Address `meddler:"to_address,address" json:"to"`
	Amount          *big.Int       `meddler:"amount,bigint" json:"amount"`
	TokenAddress    common.Address `meddler:"token_address,address" json:"token_address"`
}

// BlockWithTransfers pairs a block with the transfers extracted from it.
// This is the unit the sync engine fetches, validates and commits.
type BlockWithTransfers struct {
	Block     Block      `json:"block"`
	Transfers []Transfer `json:"transfers"`
}

// Checkpoint records the last durably committed position of a named consumer.
type Checkpoint struct {
	Name        string      `meddler:"name" json:"name"`
	BlockNumber uint64      `meddler:"block_number" json:"block_number"`
	BlockHash   common.Hash `meddler:"block_hash,hash" json:"block_hash"`
	SyncedAt    int64       `meddler:"synced_at" json:"synced_at"`
	Metadata    string      `meddler:"metadata" json:"metadata,omitempty"`
}

// SyncStatus is the coarse progress row surfaced by the status API.
type SyncStatus struct {
	ProcessorName      string      `meddler:"processor_name" json:"processor_name"`
	LastProcessedBlock uint64      `meddler:"last_processed_block" json:"last_processed_block"`
	LastProcessedHash  common.Hash `meddler:"last_processed_hash,hash" json:"last_processed_hash"`
	TargetBlock        uint64      `meddler:"target_block" json:"target_block"`
	SyncedPercent      float64     `meddler:"synced_percent" json:"synced_percent"`
	State              string      `meddler:"state" json:"state"`
	ErrorMessage       string      `meddler:"error_message" json:"error_message,omitempty"`
}

// Sync engine states persisted in sync_status.state.
const (
	StateIdle        = "idle"
	StateAcquireLock = "acquire_lock"
	StateCatchup     = "catchup"
	StateTail        = "tail"
	StateShutdown    = "shutdown"
)
