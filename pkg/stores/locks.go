package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfroyo/drorch/pkg/engine"
)

// InsertLock inserts the lock unless the server is already locked, in which
// case the current lock is returned. Both results are empty when the lock was
// released between the two statements.
func (s *Store) InsertLock(ctx context.Context, lock engine.ConflictLock) (bool, *engine.ConflictLock, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO conflict_locks (server_id, execution_id, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT (server_id) DO NOTHING`),
		lock.ServerID, lock.ExecutionID, lock.AcquiredAt.UTC())
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil, nil
	}

	existing, err := s.GetLock(ctx, lock.ServerID)
	if errors.Is(err, engine.ErrNotFound) {
		// Released between the insert and the read.
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// GetLock returns the lock on serverID, or a NOT_FOUND error when the server
// is free.
func (s *Store) GetLock(ctx context.Context, serverID string) (*engine.ConflictLock, error) {
	lock := &engine.ConflictLock{}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT server_id, execution_id, acquired_at FROM conflict_locks WHERE server_id = ?`), serverID).
		Scan(&lock.ServerID, &lock.ExecutionID, &lock.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("lock", serverID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	lock.AcquiredAt = lock.AcquiredAt.UTC()
	return lock, nil
}

// ReplaceLock moves a lock to a new owner if expectedOwner still holds it.
func (s *Store) ReplaceLock(ctx context.Context, expectedOwner string, lock engine.ConflictLock) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conflict_locks SET execution_id = ?, acquired_at = ?
		WHERE server_id = ? AND execution_id = ?`),
		lock.ExecutionID, lock.AcquiredAt.UTC(), lock.ServerID, expectedOwner)
	if err != nil {
		return false, fmt.Errorf("failed to replace lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteLock removes the server's lock if executionID owns it.
func (s *Store) DeleteLock(ctx context.Context, serverID, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM conflict_locks WHERE server_id = ? AND execution_id = ?`), serverID, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	return nil
}

// DeleteLocksByExecution removes every lock owned by executionID.
func (s *Store) DeleteLocksByExecution(ctx context.Context, executionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM conflict_locks WHERE execution_id = ?`), executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ListLocks returns the locks owned by executionID.
func (s *Store) ListLocks(ctx context.Context, executionID string) ([]engine.ConflictLock, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT server_id, execution_id, acquired_at FROM conflict_locks
		WHERE execution_id = ? ORDER BY server_id`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	var locks []engine.ConflictLock
	for rows.Next() {
		var l engine.ConflictLock
		if err := rows.Scan(&l.ServerID, &l.ExecutionID, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		l.AcquiredAt = l.AcquiredAt.UTC()
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locks: %w", err)
	}
	return locks, nil
}
