// Package validate performs structural validation of fetched chain data
// before it is handed to the block store. Validation is pure; it never
// touches the network or the database.
package validate

import (
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocksyncd/blocksyncd/internal/types"
)

const (
	// MaxTimestampDrift is how far into the future a block timestamp may be
	// before it is rejected as nonsense.
	MaxTimestampDrift = 86400 // seconds

	// MaxAmountDigits is the decimal length of 2^256-1, the largest value an
	// ERC-20 amount can encode.
	MaxAmountDigits = 78

	// MaxSafeInteger is the largest integer that survives a round trip
	// through a float64, which is what JSON consumers will decode numbers
	// into. Block numbers and timestamps beyond it are rejected.
	MaxSafeInteger = uint64(1)<<53 - 1
)

var (
	hashHexRe    = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	addressHexRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

// ValidationError describes a single record that failed validation. It
// carries enough context to log the rejection without re-deriving it.
type ValidationError struct {
	BlockNumber uint64
	Field       string
	Value       string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed at block %d: field %q value %q: %s",
		e.BlockNumber, e.Field, e.Value, e.Reason)
}

func newError(blockNum uint64, field, value, reason string) *ValidationError {
	return &ValidationError{BlockNumber: blockNum, Field: field, Value: value, Reason: reason}
}

// ValidHashHex reports whether s is a lowercase 0x-prefixed 32-byte hex string.
func ValidHashHex(s string) bool {
	return hashHexRe.MatchString(s)
}

// ValidAddressHex reports whether s is a lowercase 0x-prefixed 20-byte hex string.
func ValidAddressHex(s string) bool {
	return addressHexRe.MatchString(s)
}

// Validator checks fetched records against the store's invariants. The clock
// is injectable so timestamp-drift tests do not depend on the wall clock.
type Validator struct {
	now func() time.Time
}

// New creates a Validator using the wall clock.
func New() *Validator {
	return &Validator{now: time.Now}
}

// NewWithClock creates a Validator with a fixed clock source.
func NewWithClock(now func() time.Time) *Validator {
	return &Validator{now: now}
}

// ValidateBlock checks a single block record.
func (v *Validator) ValidateBlock(block *types.Block) error {
	if block == nil {
		return newError(0, "block", "", "block is nil")
	}

	if block.Number > MaxSafeInteger {
		return newError(block.Number, "number",
			fmt.Sprintf("%d", block.Number), "block number exceeds 2^53-1")
	}

	if block.Hash == (common.Hash{}) {
		return newError(block.Number, "hash", block.Hash.Hex(), "hash is zero")
	}

	if block.Hash == block.ParentHash {
		return newError(block.Number, "parent_hash", block.ParentHash.Hex(),
			"parent hash equals block hash")
	}

	// The genesis block is the only block allowed a zero parent.
	if block.ParentHash == (common.Hash{}) && block.Number != 0 {
		return newError(block.Number, "parent_hash", block.ParentHash.Hex(),
			"parent hash is zero for non-genesis block")
	}

	if block.Timestamp > MaxSafeInteger {
		return newError(block.Number, "timestamp",
			fmt.Sprintf("%d", block.Timestamp), "timestamp exceeds 2^53-1")
	}

	maxTimestamp := uint64(v.now().Unix()) + MaxTimestampDrift
	if block.Timestamp > maxTimestamp {
		return newError(block.Number, "timestamp",
			fmt.Sprintf("%d", block.Timestamp),
			fmt.Sprintf("timestamp more than %ds in the future", MaxTimestampDrift))
	}

	if block.ChainID == 0 {
		return newError(block.Number, "chain_id", "0", "chain id is zero")
	}

	return nil
}

// ValidateTransfer checks a single transfer record against its parent block.
func (v *Validator) ValidateTransfer(transfer *types.Transfer, block *types.Block) error {
	if transfer == nil {
		return newError(0, "transfer", "", "transfer is nil")
	}

	blockNum := transfer.BlockNumber
	if block != nil && transfer.BlockNumber != block.Number {
		return newError(blockNum, "block_number",
			fmt.Sprintf("%d", transfer.BlockNumber),
			fmt.Sprintf("transfer does not belong to block %d", block.Number))
	}

	if transfer.TransactionHash == (common.Hash{}) {
		return newError(blockNum, "transaction_hash",
			transfer.TransactionHash.Hex(), "transaction hash is zero")
	}

	if transfer.LogIndex > MaxSafeInteger {
		return newError(blockNum, "log_index",
			fmt.Sprintf("%d", transfer.LogIndex), "log index exceeds 2^53-1")
	}

	if err := v.validateAmount(blockNum, transfer.Amount); err != nil {
		return err
	}

	return nil
}

func (v *Validator) validateAmount(blockNum uint64, amount *big.Int) error {
	if amount == nil {
		return newError(blockNum, "amount", "", "amount is nil")
	}

	if amount.Sign() < 0 {
		return newError(blockNum, "amount", amount.String(), "amount is negative")
	}

	if text := amount.String(); len(text) > MaxAmountDigits {
		return newError(blockNum, "amount", text,
			fmt.Sprintf("amount exceeds %d decimal digits", MaxAmountDigits))
	}

	return nil
}

// ValidateBatch checks a contiguous batch of blocks and their transfers.
// Blocks must be sorted ascending with consecutive numbers, and each block's
// parent hash must equal the previous block's hash. The batch is rejected as
// a whole on the first failure.
func (v *Validator) ValidateBatch(batch []types.BlockWithTransfers) error {
	for i := range batch {
		block := &batch[i].Block

		if err := v.ValidateBlock(block); err != nil {
			return err
		}

		if i > 0 {
			prev := &batch[i-1].Block
			if block.Number != prev.Number+1 {
				return newError(block.Number, "number",
					fmt.Sprintf("%d", block.Number),
					fmt.Sprintf("expected block %d after %d", prev.Number+1, prev.Number))
			}
			if block.ParentHash != prev.Hash {
				return newError(block.Number, "parent_hash", block.ParentHash.Hex(),
					fmt.Sprintf("parent hash does not match hash of block %d", prev.Number))
			}
		}

		seen := make(map[uint64]struct{}, len(batch[i].Transfers))
		for j := range batch[i].Transfers {
			transfer := &batch[i].Transfers[j]

			if err := v.ValidateTransfer(transfer, block); err != nil {
				return err
			}

			if _, dup := seen[transfer.LogIndex]; dup {
				return newError(block.Number, "log_index",
					fmt.Sprintf("%d", transfer.LogIndex),
					"duplicate log index within block")
			}
			seen[transfer.LogIndex] = struct{}{}
		}
	}

	return nil
}
