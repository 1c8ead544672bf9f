package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TryAcquireLock attempts to take the named advisory lock for instanceID.
// The lock is granted when it is free, expired, or already held by the same
// instance (re-acquisition refreshes the expiry). Returns false without error
// when another live instance holds it.
func (s *BlockStore) TryAcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (acquired bool, err error) {
	defer s.observe("try_acquire_lock", time.Now(), err)

	now := time.Now().Unix()
	expiresAt := time.Now().Add(ttl).Unix()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO app_locks (name, instance_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			instance_id = excluded.instance_id,
			expires_at  = excluded.expires_at
		WHERE app_locks.expires_at < ? OR app_locks.instance_id = excluded.instance_id`,
		name, instanceID, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result for %q: %w", name, err)
	}

	return rows > 0, nil
}

// RenewLock extends the expiry of a lock held by instanceID. Returns false
// when the lock is no longer held by this instance, which means another
// writer may be active and the caller must stop writing.
func (s *BlockStore) RenewLock(ctx context.Context, name, instanceID string, ttl time.Duration) (renewed bool, err error) {
	defer s.observe("renew_lock", time.Now(), err)

	expiresAt := time.Now().Add(ttl).Unix()

	result, err := s.db.ExecContext(ctx,
		"UPDATE app_locks SET expires_at = ? WHERE name = ? AND instance_id = ?",
		expiresAt, name, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %q: %w", name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read renew result for %q: %w", name, err)
	}

	return rows > 0, nil
}

// ReleaseLock drops the lock if instanceID still holds it. Releasing a lock
// held by someone else is a no-op.
func (s *BlockStore) ReleaseLock(ctx context.Context, name, instanceID string) (err error) {
	defer s.observe("release_lock", time.Now(), err)

	_, err = s.db.ExecContext(ctx,
		"DELETE FROM app_locks WHERE name = ? AND instance_id = ?",
		name, instanceID)
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	return nil
}

// LockHolder returns the instance currently holding the named lock, or
// ErrNotFound when the lock is free or expired.
func (s *BlockStore) LockHolder(ctx context.Context, name string) (holder string, err error) {
	defer s.observe("lock_holder", time.Now(), err)

	now := time.Now().Unix()
	err = s.db.QueryRowContext(ctx,
		"SELECT instance_id FROM app_locks WHERE name = ? AND expires_at >= ?",
		name, now).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query lock %q: %w", name, err)
	}
	return holder, nil
}
