// Package rpc wraps the Ethereum JSON-RPC surface the indexer needs. The
// client fans out across multiple endpoints round-robin and stamps every call
// with its own timeout so a stalled provider cannot wedge the sync loop.
package rpc

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	internalcommon "github.com/blocksyncd/blocksyncd/internal/common"
	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/metrics"
	"github.com/blocksyncd/blocksyncd/internal/types"
)

// headerBatchSize caps a single eth_getBlockByNumber batch call.
const headerBatchSize = 100

type endpoint struct {
	url string
	eth *ethclient.Client
	rpc *gethrpc.Client
}

// Client is a multi-endpoint chain client. Requests rotate across the
// configured endpoints; retry policy lives with the caller.
type Client struct {
	endpoints []*endpoint
	next      atomic.Uint64
	timeout   time.Duration
	log       *logger.Logger
}

// NewClient dials every configured endpoint. All endpoints must dial
// successfully; a misconfigured URL should fail at startup, not mid-sync.
func NewClient(ctx context.Context, urls []string, timeout time.Duration, log *logger.Logger) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	client := &Client{
		endpoints: make([]*endpoint, 0, len(urls)),
		timeout:   timeout,
		log:       log,
	}

	for _, url := range urls {
		rpcClient, err := gethrpc.DialContext(ctx, url)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to dial %s: %w", internalcommon.RedactURL(url), err)
		}
		client.endpoints = append(client.endpoints, &endpoint{
			url: url,
			eth: ethclient.NewClient(rpcClient),
			rpc: rpcClient,
		})
	}

	metrics.ComponentHealthSet(internalcommon.ComponentChainClient, true)
	log.Infow("chain client initialized", "endpoints", len(client.endpoints))

	return client, nil
}

// Close closes all endpoint connections.
func (c *Client) Close() {
	for _, ep := range c.endpoints {
		ep.eth.Close()
	}
	metrics.ComponentHealthSet(internalcommon.ComponentChainClient, false)
}

// pick returns the next endpoint round-robin.
func (c *Client) pick() *endpoint {
	n := c.next.Add(1)
	return c.endpoints[(n-1)%uint64(len(c.endpoints))]
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// HeadHeight returns the latest block number reported by the chain.
func (c *Client) HeadHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	start := time.Now()
	metrics.RPCRequestInc("eth_blockNumber")

	height, err := c.pick().eth.BlockNumber(ctx)
	metrics.RPCRequestDuration("eth_blockNumber", time.Since(start))
	if err != nil {
		metrics.RPCErrorInc("eth_blockNumber", "request")
		return 0, fmt.Errorf("failed to get head height: %w", err)
	}
	return height, nil
}

// ChainID returns the chain id of the connected network.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	start := time.Now()
	metrics.RPCRequestInc("eth_chainId")

	id, err := c.pick().eth.ChainID(ctx)
	metrics.RPCRequestDuration("eth_chainId", time.Since(start))
	if err != nil {
		metrics.RPCErrorInc("eth_chainId", "request")
		return 0, fmt.Errorf("failed to get chain id: %w", err)
	}
	return id.Uint64(), nil
}

// HeaderAt returns the header for a specific block number.
func (c *Client) HeaderAt(ctx context.Context, blockNum uint64) (*gethtypes.Header, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	start := time.Now()
	metrics.RPCRequestInc("eth_getBlockByNumber")

	header, err := c.pick().eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNum))
	metrics.RPCRequestDuration("eth_getBlockByNumber", time.Since(start))
	if err != nil {
		metrics.RPCErrorInc("eth_getBlockByNumber", "request")
		return nil, fmt.Errorf("failed to get header %d: %w", blockNum, err)
	}
	return header, nil
}

// BlockAt returns the block record at the given height.
func (c *Client) BlockAt(ctx context.Context, blockNum, chainID uint64) (*types.Block, error) {
	header, err := c.HeaderAt(ctx, blockNum)
	if err != nil {
		return nil, err
	}
	block := headerToBlock(header, chainID)
	return &block, nil
}

// BlocksInRange fetches the headers for [from, to] inclusive using batched
// eth_getBlockByNumber calls and returns them as block records in ascending
// order.
func (c *Client) BlocksInRange(ctx context.Context, from, to, chainID uint64) ([]types.Block, error) {
	if from > to {
		return nil, nil
	}

	blockNums := make([]uint64, 0, to-from+1)
	for n := from; n <= to; n++ {
		blockNums = append(blockNums, n)
	}

	headers, err := c.batchHeaders(ctx, blockNums)
	if err != nil {
		return nil, err
	}

	blocks := make([]types.Block, len(headers))
	for i, header := range headers {
		if header == nil {
			return nil, fmt.Errorf("provider returned no header for block %d", blockNums[i])
		}
		blocks[i] = headerToBlock(header, chainID)
	}
	return blocks, nil
}

// batchHeaders fetches headers for the given block numbers in chunks of
// headerBatchSize per batch call.
func (c *Client) batchHeaders(ctx context.Context, blockNums []uint64) ([]*gethtypes.Header, error) {
	var all []*gethtypes.Header

	for i := 0; i < len(blockNums); i += headerBatchSize {
		end := min(i+headerBatchSize, len(blockNums))
		chunk := blockNums[i:end]

		batch := make([]gethrpc.BatchElem, len(chunk))
		results := make([]*gethtypes.Header, len(chunk))

		for j, blockNum := range chunk {
			batch[j] = gethrpc.BatchElem{
				Method: "eth_getBlockByNumber",
				Args:   []any{toBlockNumArg(blockNum), false},
				Result: &results[j],
			}
		}

		callCtx, cancel := c.callCtx(ctx)
		start := time.Now()
		metrics.RPCRequestInc("eth_getBlockByNumber")

		err := c.pick().rpc.BatchCallContext(callCtx, batch)
		metrics.RPCRequestDuration("eth_getBlockByNumber", time.Since(start))
		cancel()
		if err != nil {
			metrics.RPCErrorInc("eth_getBlockByNumber", "batch")
			return nil, fmt.Errorf("failed to batch fetch headers: %w", err)
		}

		for _, elem := range batch {
			if elem.Error != nil {
				metrics.RPCErrorInc("eth_getBlockByNumber", "batch_elem")
				return nil, fmt.Errorf("failed to fetch header in batch: %w", elem.Error)
			}
		}

		all = append(all, results...)
	}

	return all, nil
}

// headerToBlock converts a chain header into the stored block record.
func headerToBlock(header *gethtypes.Header, chainID uint64) types.Block {
	return types.Block{
		Number:     header.Number.Uint64(),
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Timestamp:  header.Time,
		ChainID:    chainID,
	}
}

// toBlockNumArg converts a block number to the hex form eth_getBlockByNumber
// expects.
func toBlockNumArg(blockNum uint64) string {
	return fmt.Sprintf("0x%x", blockNum)
}
