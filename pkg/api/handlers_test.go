package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/store"
	"github.com/blocksyncd/blocksyncd/internal/types"
)

// fakeReader serves canned store content to the handlers.
type fakeReader struct {
	blocks     map[uint64]*types.Block
	transfers  map[uint64][]*types.Transfer
	status     *types.SyncStatus
	checkpoint *types.Checkpoint

	lastFilter      store.TransferFilter
	lastBlockFilter store.BlockFilter
	failWith        error
}

func (f *fakeReader) MaxHeight(context.Context) (uint64, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}
	var max uint64
	for n := range f.blocks {
		if n > max {
			max = n
		}
	}
	if max == 0 {
		return 0, store.ErrNotFound
	}
	return max, nil
}

func (f *fakeReader) FindByHeight(_ context.Context, number uint64) (*types.Block, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	block, ok := f.blocks[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	return block, nil
}

func (f *fakeReader) TransfersByBlock(_ context.Context, number uint64) ([]*types.Transfer, error) {
	return f.transfers[number], nil
}

func (f *fakeReader) ListBlocks(_ context.Context, filter store.BlockFilter) ([]*types.Block, int, error) {
	f.lastBlockFilter = filter
	if f.failWith != nil {
		return nil, 0, f.failWith
	}
	out := make([]*types.Block, 0, len(f.blocks))
	for _, block := range f.blocks {
		out = append(out, block)
	}
	if filter.Offset >= len(out) {
		return nil, len(f.blocks), nil
	}
	if filter.Offset+filter.Limit < len(out) {
		out = out[filter.Offset : filter.Offset+filter.Limit]
	}
	return out, len(f.blocks), nil
}

func (f *fakeReader) ListTransfers(_ context.Context, filter store.TransferFilter) ([]*types.Transfer, int, error) {
	f.lastFilter = filter
	var out []*types.Transfer
	for _, page := range f.transfers {
		out = append(out, page...)
	}
	return out, len(out), nil
}

func (f *fakeReader) GetSyncStatus(context.Context, string) (*types.SyncStatus, error) {
	if f.status == nil {
		return nil, store.ErrNotFound
	}
	return f.status, nil
}

func (f *fakeReader) GetCheckpoint(context.Context, string) (*types.Checkpoint, error) {
	if f.checkpoint == nil {
		return nil, store.ErrNotFound
	}
	return f.checkpoint, nil
}

func testReader() *fakeReader {
	blocks := make(map[uint64]*types.Block)
	for n := uint64(1); n <= 5; n++ {
		blocks[n] = &types.Block{
			Number:    n,
			Hash:      common.BytesToHash([]byte{byte(n)}),
			Timestamp: 1700000000 + n*12,
			ChainID:   1,
		}
	}
	return &fakeReader{
		blocks: blocks,
		transfers: map[uint64][]*types.Transfer{
			3: {
				{
					BlockNumber:  3,
					LogIndex:     0,
					Amount:       big.NewInt(1000),
					TokenAddress: common.HexToAddress("0x3333333333333333333333333333333333333333"),
				},
			},
		},
	}
}

func testMux(reader Reader) *http.ServeMux {
	h := NewHandler(reader, logger.NewNopLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/v1/blocks", h.ListBlocks)
	mux.HandleFunc("GET /api/v1/blocks/{number}", h.GetBlock)
	mux.HandleFunc("GET /api/v1/transfers", h.ListTransfers)
	mux.HandleFunc("GET /api/v1/status", h.GetStatus)
	return mux
}

func doGet(t *testing.T, mux *http.ServeMux, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := doGet(t, testMux(testReader()), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestListBlocks(t *testing.T) {
	t.Parallel()

	t.Run("default pagination", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/blocks")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[BlockListResponse](t, rec)
		assert.Len(t, body.Blocks, 5)
		assert.Equal(t, defaultPageLimit, body.Pagination.Limit)
		assert.Equal(t, 5, body.Pagination.Total)
	})

	t.Run("limit above cap is clamped", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/blocks?limit=9999")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[BlockListResponse](t, rec)
		assert.Equal(t, maxPageLimit, body.Pagination.Limit)
	})

	t.Run("rejects bad limit", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/blocks?limit=-3")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		body := decode[ErrorResponse](t, rec)
		assert.Equal(t, http.StatusBadRequest, body.Code)
		assert.Contains(t, body.Message, "limit")
	})

	t.Run("range and sort are forwarded", func(t *testing.T) {
		t.Parallel()

		reader := testReader()
		mux := testMux(reader)

		rec := doGet(t, mux, "/api/v1/blocks?from_block=2&to_block=4&sort=asc")
		require.Equal(t, http.StatusOK, rec.Code)

		filter := reader.lastBlockFilter
		require.NotNil(t, filter.FromBlock)
		assert.Equal(t, uint64(2), *filter.FromBlock)
		require.NotNil(t, filter.ToBlock)
		assert.Equal(t, uint64(4), *filter.ToBlock)
		assert.True(t, filter.Ascending)
	})

	t.Run("rejects unknown sort order", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/blocks?sort=sideways")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects bad offset", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/blocks?offset=abc")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure maps to 500", func(t *testing.T) {
		t.Parallel()

		reader := testReader()
		reader.failWith = errors.New("disk on fire")

		rec := doGet(t, testMux(reader), "/api/v1/blocks")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		// Internal detail does not leak to the client.
		assert.NotContains(t, rec.Body.String(), "disk on fire")
	})
}

func TestGetBlock(t *testing.T) {
	t.Parallel()

	t.Run("found with transfers", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/blocks/3")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[BlockResponse](t, rec)
		require.NotNil(t, body.Block)
		assert.Equal(t, uint64(3), body.Block.Number)
		assert.Len(t, body.Transfers, 1)
	})

	t.Run("missing block is 404", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/blocks/42")
		assert.Equal(t, http.StatusNotFound, rec.Code)

		body := decode[ErrorResponse](t, rec)
		assert.Contains(t, body.Message, "block 42 not found")
	})

	t.Run("non-numeric number is 400", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/blocks/latest")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListTransfers(t *testing.T) {
	t.Parallel()

	t.Run("filters are parsed and forwarded", func(t *testing.T) {
		t.Parallel()

		reader := testReader()
		mux := testMux(reader)

		rec := doGet(t, mux,
			"/api/v1/transfers?address=0x1111111111111111111111111111111111111111&from_block=2&to_block=4&limit=10")
		require.Equal(t, http.StatusOK, rec.Code)

		filter := reader.lastFilter
		require.NotNil(t, filter.Address)
		assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), *filter.Address)
		require.NotNil(t, filter.FromBlock)
		assert.Equal(t, uint64(2), *filter.FromBlock)
		require.NotNil(t, filter.ToBlock)
		assert.Equal(t, uint64(4), *filter.ToBlock)
		assert.Equal(t, 10, filter.Limit)
	})

	t.Run("rejects checksummed address", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()),
			"/api/v1/transfers?address=0x1111111111111111111111111111111111111ABC")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects inverted block range", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/transfers?from_block=10&to_block=5")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		body := decode[ErrorResponse](t, rec)
		assert.Contains(t, body.Message, "from_block")
	})

	t.Run("rejects malformed token", func(t *testing.T) {
		t.Parallel()

		rec := doGet(t, testMux(testReader()), "/api/v1/transfers?token=not-an-address")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	t.Run("full status", func(t *testing.T) {
		t.Parallel()

		reader := testReader()
		reader.status = &types.SyncStatus{
			ProcessorName:      "block-sync",
			State:              types.StateTail,
			LastProcessedBlock: 5,
			TargetBlock:        7,
			SyncedPercent:      100,
		}
		reader.checkpoint = &types.Checkpoint{Name: "latest", BlockNumber: 5}

		rec := doGet(t, testMux(reader), "/api/v1/status")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[StatusResponse](t, rec)
		require.NotNil(t, body.Status)
		assert.Equal(t, types.StateTail, body.Status.State)
		require.NotNil(t, body.Checkpoint)
		assert.Equal(t, uint64(5), body.Checkpoint.BlockNumber)
		assert.Equal(t, uint64(5), body.LocalTip)
	})

	t.Run("empty store reports zero values", func(t *testing.T) {
		t.Parallel()

		reader := &fakeReader{blocks: map[uint64]*types.Block{}}

		rec := doGet(t, testMux(reader), "/api/v1/status")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[StatusResponse](t, rec)
		assert.Nil(t, body.Status)
		assert.Zero(t, body.LocalTip)
	})
}
