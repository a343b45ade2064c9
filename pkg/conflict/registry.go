// Package conflict keeps two concurrent recovery executions from operating on
// the same server. Every server has its own lock row, written with
// compare-and-swap semantics, so acquisitions touching disjoint server sets
// never wait on each other.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/drorch/pkg/engine"
)

// DefaultOrphanGrace is how long a lock without an owning execution record
// is honoured. It covers the window between acquiring locks and creating the
// execution.
const DefaultOrphanGrace = 5 * time.Minute

// maxTakeoverAttempts bounds retries when a stale lock is swapped concurrently.
const maxTakeoverAttempts = 3

// OwnerLookup reports the status of the execution owning a lock.
type OwnerLookup interface {
	LookupExecutionStatus(ctx context.Context, executionID string) (engine.ExecutionStatus, error)
}

// Registry implements engine.ConflictRegistry over a LockStore.
type Registry struct {
	locks       engine.LockStore
	owners      OwnerLookup
	orphanGrace time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithOrphanGrace overrides DefaultOrphanGrace.
func WithOrphanGrace(d time.Duration) Option {
	return func(r *Registry) { r.orphanGrace = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry.
func NewRegistry(locks engine.LockStore, owners OwnerLookup, opts ...Option) *Registry {
	r := &Registry{
		locks:       locks,
		owners:      owners,
		orphanGrace: DefaultOrphanGrace,
		now:         time.Now,
		logger:      log.With().Str("component", "conflict").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire locks every server for executionID. If any server is held by
// another non-terminal execution, the locks taken by this call are rolled
// back and a SERVER_IN_USE error names the first conflicting server and its
// owner. Servers already held by executionID are kept.
func (r *Registry) Acquire(ctx context.Context, executionID string, serverIDs []string) error {
	if executionID == "" {
		return engine.NewPermanentError("execution id is required", nil).WithCode(engine.ErrCodeValidation)
	}

	var acquired []string
	seen := make(map[string]struct{}, len(serverIDs))
	for _, serverID := range serverIDs {
		if _, ok := seen[serverID]; ok {
			continue
		}
		seen[serverID] = struct{}{}

		taken, err := r.acquireOne(ctx, executionID, serverID)
		if err != nil {
			r.rollback(ctx, executionID, acquired)
			return err
		}
		if taken {
			acquired = append(acquired, serverID)
		}
	}

	r.logger.Debug().
		Str("execution_id", executionID).
		Int("servers", len(seen)).
		Msg("Conflict locks acquired")
	return nil
}

// acquireOne takes the lock of a single server. It reports whether a new lock
// row was written for executionID.
func (r *Registry) acquireOne(ctx context.Context, executionID, serverID string) (bool, error) {
	lock := engine.ConflictLock{ServerID: serverID, ExecutionID: executionID}
	owner := ""
	for attempt := 0; attempt < maxTakeoverAttempts; attempt++ {
		lock.AcquiredAt = r.now().UTC()
		inserted, existing, err := r.locks.InsertLock(ctx, lock)
		if err != nil {
			return false, fmt.Errorf("failed to lock server %s: %w", serverID, err)
		}
		if inserted {
			return true, nil
		}
		if existing == nil {
			continue
		}
		if existing.ExecutionID == executionID {
			return false, nil
		}
		owner = existing.ExecutionID

		stale, err := r.isStale(ctx, existing)
		if err != nil {
			return false, err
		}
		if !stale {
			return false, engine.NewServerInUseError(serverID, owner)
		}

		swapped, err := r.locks.ReplaceLock(ctx, owner, lock)
		if err != nil {
			return false, fmt.Errorf("failed to take over lock on server %s: %w", serverID, err)
		}
		if swapped {
			r.logger.Info().
				Str("server_id", serverID).
				Str("previous_owner", owner).
				Str("execution_id", executionID).
				Msg("Took over stale conflict lock")
			return true, nil
		}
	}
	return false, engine.NewServerInUseError(serverID, owner)
}

// isStale reports whether a lock no longer protects a live execution.
func (r *Registry) isStale(ctx context.Context, lock *engine.ConflictLock) (bool, error) {
	status, err := r.owners.LookupExecutionStatus(ctx, lock.ExecutionID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return r.now().Sub(lock.AcquiredAt) > r.orphanGrace, nil
		}
		return false, fmt.Errorf("failed to look up owner of server %s: %w", lock.ServerID, err)
	}
	return status.IsTerminal(), nil
}

func (r *Registry) rollback(ctx context.Context, executionID string, serverIDs []string) {
	if len(serverIDs) == 0 {
		return
	}
	if err := r.Release(context.WithoutCancel(ctx), executionID, serverIDs); err != nil {
		r.logger.Error().Err(err).
			Str("execution_id", executionID).
			Int("servers", len(serverIDs)).
			Msg("Failed to roll back partial lock acquisition")
	}
}

// Release drops the locks executionID holds on serverIDs. Locks owned by other
// executions and missing locks are ignored.
func (r *Registry) Release(ctx context.Context, executionID string, serverIDs []string) error {
	var errs []error
	for _, serverID := range serverIDs {
		if err := r.locks.DeleteLock(ctx, serverID, executionID); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", serverID, err))
		}
	}
	return errors.Join(errs...)
}

// ReleaseAll drops every lock held by executionID.
func (r *Registry) ReleaseAll(ctx context.Context, executionID string) error {
	n, err := r.locks.DeleteLocksByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to release locks of execution %s: %w", executionID, err)
	}
	if n > 0 {
		r.logger.Debug().Str("execution_id", executionID).Int("servers", n).Msg("Conflict locks released")
	}
	return nil
}

// Held returns the locks currently owned by executionID.
func (r *Registry) Held(ctx context.Context, executionID string) ([]engine.ConflictLock, error) {
	return r.locks.ListLocks(ctx, executionID)
}

// Owner returns the lock that keeps serverID from being acquired, or nil when
// the server is free or its lock is stale and would be taken over.
func (r *Registry) Owner(ctx context.Context, serverID string) (*engine.ConflictLock, error) {
	lock, err := r.locks.GetLock(ctx, serverID)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock on server %s: %w", serverID, err)
	}
	stale, err := r.isStale(ctx, lock)
	if err != nil {
		return nil, err
	}
	if stale {
		return nil, nil
	}
	return lock, nil
}
