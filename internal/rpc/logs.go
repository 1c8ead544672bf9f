package rpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blocksyncd/blocksyncd/internal/metrics"
	"github.com/blocksyncd/blocksyncd/internal/types"
)

// TransferTopic is the topic0 of the ERC-20 Transfer(address,address,uint256)
// event.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferWithTimestampTopic is the topic0 of the extended
// Transfer(address,address,uint256,uint256) variant some tokens emit, where
// the second data word carries a timestamp.
var TransferWithTimestampTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256,uint256)"))

// logPageBlocks caps a single eth_getLogs range. Public providers reject or
// truncate wider queries.
const logPageBlocks = 100

// TransferLogs fetches the ERC-20 Transfer events of the given token in
// [from, to] inclusive, paging the range and shrinking pages the provider
// rejects as too large. Results are ordered by (block number, log index).
func (c *Client) TransferLogs(ctx context.Context, token common.Address, from, to uint64) ([]types.Transfer, error) {
	if from > to {
		return nil, nil
	}

	var transfers []types.Transfer

	pageFrom := from
	pageSize := uint64(logPageBlocks)

	for pageFrom <= to {
		pageTo := min(pageFrom+pageSize-1, to)

		logs, err := c.filterTransferLogs(ctx, token, pageFrom, pageTo)
		if err != nil {
			if ok, msg := IsTooManyResultsError(err); ok {
				shrunk, shrinkErr := shrinkPage(pageFrom, pageTo, msg)
				if shrinkErr != nil {
					return nil, shrinkErr
				}
				c.log.Debugw("shrinking log page",
					"from", pageFrom, "to", pageTo, "new_to", shrunk)
				pageSize = shrunk - pageFrom + 1
				continue
			}
			return nil, err
		}

		for i := range logs {
			transfer, ok := decodeTransfer(&logs[i])
			if !ok {
				continue
			}
			transfers = append(transfers, transfer)
		}

		pageFrom = pageTo + 1
		pageSize = logPageBlocks
	}

	return transfers, nil
}

func (c *Client) filterTransferLogs(ctx context.Context, token common.Address, from, to uint64) ([]gethtypes.Log, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{TransferTopic, TransferWithTimestampTopic}},
	}

	start := time.Now()
	metrics.RPCRequestInc("eth_getLogs")

	logs, err := c.pick().eth.FilterLogs(ctx, query)
	metrics.RPCRequestDuration("eth_getLogs", time.Since(start))
	if err != nil {
		metrics.RPCErrorInc("eth_getLogs", "request")
		return nil, fmt.Errorf("failed to fetch logs [%d, %d]: %w", from, to, err)
	}
	return logs, nil
}

// shrinkPage picks a smaller page end after a too-many-results rejection,
// preferring the provider's suggested range and falling back to halving.
func shrinkPage(from, to uint64, providerMsg string) (uint64, error) {
	if _, suggestedTo, ok := ParseSuggestedBlockRange(providerMsg); ok {
		if suggestedTo >= from && suggestedTo < to {
			return suggestedTo, nil
		}
	}

	if to == from {
		return 0, fmt.Errorf("provider rejected single-block log query [%d, %d]: %s",
			from, to, providerMsg)
	}
	return from + (to-from)/2, nil
}

// decodeTransfer converts a raw Transfer log into a transfer record. Logs
// with a non-standard topic layout (e.g. ERC-721 style or anonymous events)
// and removed logs are skipped.
func decodeTransfer(log *gethtypes.Log) (types.Transfer, bool) {
	if log.Removed {
		return types.Transfer{}, false
	}
	if len(log.Topics) != 3 {
		return types.Transfer{}, false
	}

	// The standard event carries one 32-byte data word (the amount); the
	// timestamp variant carries two, amount first.
	switch log.Topics[0] {
	case TransferTopic:
		if len(log.Data) != 32 {
			return types.Transfer{}, false
		}
	case TransferWithTimestampTopic:
		if len(log.Data) != 64 {
			return types.Transfer{}, false
		}
	default:
		return types.Transfer{}, false
	}

	return types.Transfer{
		BlockNumber:     log.BlockNumber,
		TransactionHash: log.TxHash,
		LogIndex:        uint64(log.Index),
		From:            common.BytesToAddress(log.Topics[1].Bytes()),
		To:              common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:          new(big.Int).SetBytes(log.Data[:32]),
		TokenAddress:    log.Address,
	}, true
}
