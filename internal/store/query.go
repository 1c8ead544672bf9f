package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"

	"github.com/blocksyncd/blocksyncd/internal/types"
)

// TransferFilter narrows a transfer listing. Nil fields are not applied.
type TransferFilter struct {
	// Address matches either side of the transfer
	Address *common.Address

	// Token matches the token contract
	Token *common.Address

	FromBlock *uint64
	ToBlock   *uint64

	Limit  int
	Offset int
}

// BlockFilter narrows a block listing. Nil fields are not applied.
type BlockFilter struct {
	FromBlock *uint64
	ToBlock   *uint64

	// Ascending orders oldest first; the default is newest first.
	Ascending bool

	Limit  int
	Offset int
}

// ListBlocks returns a page of blocks matching the filter, plus the total
// match count.
func (s *BlockStore) ListBlocks(ctx context.Context, filter BlockFilter) (blocks []*types.Block, total int, err error) {
	defer s.observe("list_blocks", time.Now(), err)

	var conds []string
	var args []any

	if filter.FromBlock != nil {
		conds = append(conds, "number >= ?")
		args = append(args, *filter.FromBlock)
	}
	if filter.ToBlock != nil {
		conds = append(conds, "number <= ?")
		args = append(args, *filter.ToBlock)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks"+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count blocks: %w", err)
	}

	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}
	query := "SELECT * FROM blocks" + where + " ORDER BY number " + order + " LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	err = meddler.QueryAll(s.db, &blocks, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list blocks: %w", err)
	}
	return blocks, total, nil
}

// ListTransfers returns a page of transfers matching the filter ordered by
// (block number, log index) descending, plus the total match count.
func (s *BlockStore) ListTransfers(ctx context.Context, filter TransferFilter) (transfers []*types.Transfer, total int, err error) {
	defer s.observe("list_transfers", time.Now(), err)

	var conds []string
	var args []any

	if filter.Address != nil {
		addr := strings.ToLower(filter.Address.Hex())
		conds = append(conds, "(from_address = ? OR to_address = ?)")
		args = append(args, addr, addr)
	}
	if filter.Token != nil {
		conds = append(conds, "token_address = ?")
		args = append(args, strings.ToLower(filter.Token.Hex()))
	}
	if filter.FromBlock != nil {
		conds = append(conds, "block_number >= ?")
		args = append(args, *filter.FromBlock)
	}
	if filter.ToBlock != nil {
		conds = append(conds, "block_number <= ?")
		args = append(args, *filter.ToBlock)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transfers"+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transfers: %w", err)
	}

	query := "SELECT * FROM transfers" + where +
		" ORDER BY block_number DESC, log_index DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	err = meddler.QueryAll(s.db, &transfers, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, total, nil
}
