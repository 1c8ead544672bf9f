// Package retry classifies failures and applies exponential backoff to the
// ones worth retrying. Leaf operations return plain errors; the sync engine
// asks this package what to do with them.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/mattn/go-sqlite3"

	"github.com/blocksyncd/blocksyncd/internal/validate"
)

// Category is the failure taxonomy used throughout the engine.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryRPC        Category = "rpc"
	CategoryValidation Category = "validation"
	CategoryDatabase   Category = "database"
	CategoryCritical   Category = "critical"
)

// Action is the recovery decision associated with a classified error.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionSkip     Action = "skip"
	ActionAbort    Action = "abort"
	ActionShutdown Action = "shutdown"
)

// Classify maps an error to its category and recovery action.
func Classify(err error) (Category, Action) {
	if err == nil {
		return CategoryCritical, ActionAbort
	}

	// Cancellation means the supervisor is shutting down; never retry past it.
	if errors.Is(err, context.Canceled) {
		return CategoryCritical, ActionShutdown
	}

	var valErr *validate.ValidationError
	if errors.As(err, &valErr) {
		return CategoryValidation, ActionSkip
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return classifySQLite(sqliteErr)
	}

	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		// Provider rejected the request shape; retrying the same call cannot help.
		return CategoryRPC, ActionAbort
	}

	if isNetworkError(err) {
		return CategoryNetwork, ActionRetry
	}

	if isProviderQuotaError(err) {
		return CategoryRPC, ActionRetry
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return CategoryRPC, ActionRetry
		}
		return CategoryRPC, ActionAbort
	}

	return CategoryCritical, ActionAbort
}

// Retryable reports whether the classified action is a retry.
func Retryable(err error) bool {
	_, action := Classify(err)
	return action == ActionRetry
}

func classifySQLite(err sqlite3.Error) (Category, Action) {
	switch err.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		// Transient contention; the writer will get the lock eventually.
		return CategoryDatabase, ActionRetry
	case sqlite3.ErrConstraint:
		// Constraint violations mean schema drift or a bug, not bad luck.
		return CategoryDatabase, ActionShutdown
	default:
		return CategoryDatabase, ActionAbort
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such host")
}

func isProviderQuotaError(err error) bool {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") {
		return true
	}

	return strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}
