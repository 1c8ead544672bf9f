package db

import (
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

func init() {
	meddler.Register("hash", hashMeddler{})
	meddler.Register("address", addressMeddler{})
	meddler.Register("bigint", bigIntMeddler{})
}

// hashMeddler converts between common.Hash and its lowercase hex TEXT form.
// Hashes are stored lowercase so the hex-shape invariant can be checked with
// plain string comparison.
type hashMeddler struct{}

func (hashMeddler) PreRead(fieldAddr any) (scanTarget any, err error) {
	return new(sql.NullString), nil
}

func (hashMeddler) PostRead(fieldAddr, scanTarget any) error {
	ns, ok := scanTarget.(*sql.NullString)
	if !ok {
		return fmt.Errorf("expected *sql.NullString, got %T", scanTarget)
	}

	ptr, ok := fieldAddr.(*common.Hash)
	if !ok {
		return fmt.Errorf("expected *common.Hash, got %T", fieldAddr)
	}
	if !ns.Valid {
		*ptr = common.Hash{}
		return nil
	}
	*ptr = common.HexToHash(ns.String)
	return nil
}

func (hashMeddler) PreWrite(field any) (saveValue any, err error) {
	hash, ok := field.(common.Hash)
	if !ok {
		return nil, fmt.Errorf("expected common.Hash, got %T", field)
	}
	return strings.ToLower(hash.Hex()), nil
}

// addressMeddler converts between common.Address and lowercase hex TEXT.
// Lowercase (not EIP-55 checksum) form keeps address equality a string match.
type addressMeddler struct{}

func (addressMeddler) PreRead(fieldAddr any) (scanTarget any, err error) {
	return new(sql.NullString), nil
}

func (addressMeddler) PostRead(fieldAddr, scanTarget any) error {
	ns, ok := scanTarget.(*sql.NullString)
	if !ok {
		return fmt.Errorf("expected *sql.NullString, got %T", scanTarget)
	}

	ptr, ok := fieldAddr.(*common.Address)
	if !ok {
		return fmt.Errorf("expected *common.Address, got %T", fieldAddr)
	}
	if !ns.Valid {
		*ptr = common.Address{}
		return nil
	}
	*ptr = common.HexToAddress(ns.String)
	return nil
}

func (addressMeddler) PreWrite(field any) (saveValue any, err error) {
	addr, ok := field.(common.Address)
	if !ok {
		return nil, fmt.Errorf("expected common.Address, got %T", field)
	}
	return strings.ToLower(addr.Hex()), nil
}

// bigIntMeddler converts between *big.Int and its decimal TEXT form.
// Transfer amounts are up to 2^256-1 (78 decimal digits) and must round-trip
// losslessly, so they never pass through a native integer or float.
type bigIntMeddler struct{}

func (bigIntMeddler) PreRead(fieldAddr any) (scanTarget any, err error) {
	return new(sql.NullString), nil
}

func (bigIntMeddler) PostRead(fieldAddr, scanTarget any) error {
	ns, ok := scanTarget.(*sql.NullString)
	if !ok {
		return fmt.Errorf("expected *sql.NullString, got %T", scanTarget)
	}

	ptr, ok := fieldAddr.(**big.Int)
	if !ok {
		return fmt.Errorf("expected **big.Int, got %T", fieldAddr)
	}
	if !ns.Valid {
		*ptr = nil
		return nil
	}

	value, ok := new(big.Int).SetString(ns.String, 10)
	if !ok {
		return fmt.Errorf("invalid decimal integer in database: %q", ns.String)
	}
	*ptr = value
	return nil
}

func (bigIntMeddler) PreWrite(field any) (saveValue any, err error) {
	value, ok := field.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected *big.Int, got %T", field)
	}
	if value == nil {
		return nil, nil
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s cannot be stored", value.String())
	}
	return value.String(), nil
}
