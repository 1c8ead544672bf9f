package db

import (
	"database/sql"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashMeddler(t *testing.T) {
	t.Parallel()

	m := hashMeddler{}
	hash := common.HexToHash("0x" + strings.Repeat("AB", 32))

	t.Run("writes lowercase hex", func(t *testing.T) {
		t.Parallel()

		saved, err := m.PreWrite(hash)
		require.NoError(t, err)
		assert.Equal(t, "0x"+strings.Repeat("ab", 32), saved)
	})

	t.Run("round trips", func(t *testing.T) {
		t.Parallel()

		saved, err := m.PreWrite(hash)
		require.NoError(t, err)

		var got common.Hash
		scan := &sql.NullString{String: saved.(string), Valid: true}
		require.NoError(t, m.PostRead(&got, scan))
		assert.Equal(t, hash, got)
	})

	t.Run("null reads as zero hash", func(t *testing.T) {
		t.Parallel()

		var got common.Hash
		require.NoError(t, m.PostRead(&got, &sql.NullString{}))
		assert.Equal(t, common.Hash{}, got)
	})

	t.Run("rejects wrong field type", func(t *testing.T) {
		t.Parallel()

		_, err := m.PreWrite("not a hash")
		assert.Error(t, err)
	})
}

func TestAddressMeddler(t *testing.T) {
	t.Parallel()

	m := addressMeddler{}
	addr := common.HexToAddress("0xDE0B295669a9FD93d5F28D9Ec85E40f4cb697BAe")

	t.Run("writes lowercase not checksum form", func(t *testing.T) {
		t.Parallel()

		saved, err := m.PreWrite(addr)
		require.NoError(t, err)
		assert.Equal(t, "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae", saved)
	})

	t.Run("round trips", func(t *testing.T) {
		t.Parallel()

		saved, err := m.PreWrite(addr)
		require.NoError(t, err)

		var got common.Address
		scan := &sql.NullString{String: saved.(string), Valid: true}
		require.NoError(t, m.PostRead(&got, scan))
		assert.Equal(t, addr, got)
	})

	t.Run("null reads as zero address", func(t *testing.T) {
		t.Parallel()

		var got common.Address
		require.NoError(t, m.PostRead(&got, &sql.NullString{}))
		assert.Equal(t, common.Address{}, got)
	})
}

func TestBigIntMeddler(t *testing.T) {
	t.Parallel()

	m := bigIntMeddler{}

	t.Run("writes decimal text", func(t *testing.T) {
		t.Parallel()

		saved, err := m.PreWrite(big.NewInt(123456789))
		require.NoError(t, err)
		assert.Equal(t, "123456789", saved)
	})

	t.Run("max uint256 round trips", func(t *testing.T) {
		t.Parallel()

		max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

		saved, err := m.PreWrite(max)
		require.NoError(t, err)

		var got *big.Int
		scan := &sql.NullString{String: saved.(string), Valid: true}
		require.NoError(t, m.PostRead(&got, scan))
		assert.Zero(t, max.Cmp(got))
	})

	t.Run("rejects negative amounts", func(t *testing.T) {
		t.Parallel()

		_, err := m.PreWrite(big.NewInt(-1))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "negative amount")
	})

	t.Run("nil writes as null", func(t *testing.T) {
		t.Parallel()

		var amount *big.Int
		saved, err := m.PreWrite(amount)
		require.NoError(t, err)
		assert.Nil(t, saved)
	})

	t.Run("null reads as nil", func(t *testing.T) {
		t.Parallel()

		got := big.NewInt(7)
		require.NoError(t, m.PostRead(&got, &sql.NullString{}))
		assert.Nil(t, got)
	})

	t.Run("rejects corrupt database value", func(t *testing.T) {
		t.Parallel()

		var got *big.Int
		scan := &sql.NullString{String: "0x1f", Valid: true}
		err := m.PostRead(&got, scan)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid decimal integer")
	})
}
