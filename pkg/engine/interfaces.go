package engine

import (
	"context"
	"time"
)

// PlanStore resolves plans and protection groups. It is read-only from the engine.
type PlanStore interface {
	// GetPlan returns the plan with its waves ordered by index.
	GetPlan(ctx context.Context, planID string) (*RecoveryPlan, error)

	// GetGroup returns the group and its member server IDs.
	GetGroup(ctx context.Context, groupID string) (*ProtectionGroup, error)
}

// ExecutionStore is the durable, versioned store for executions.
type ExecutionStore interface {
	// CreateExecution persists a new execution with its waves and initial audit events.
	// The execution's Version is set to 1.
	CreateExecution(ctx context.Context, exec *Execution, events []AuditEvent) error

	// GetExecution returns the execution with its waves.
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// UpdateExecution writes exec if the stored version equals expectedVersion,
	// appending events in the same transaction. On success exec.Version is
	// expectedVersion+1. A stale write returns a VERSION_CONFLICT error.
	UpdateExecution(ctx context.Context, exec *Execution, expectedVersion int64, events []AuditEvent) error

	// ListExecutions returns executions matching the filter, newest first.
	// Status filters use the status index.
	ListExecutions(ctx context.Context, filter ListFilter) ([]*Execution, error)

	// LookupExecutionStatus returns only the status of an execution.
	LookupExecutionStatus(ctx context.Context, executionID string) (ExecutionStatus, error)

	// QuotaSnapshot aggregates in-flight launches across non-terminal executions.
	QuotaSnapshot(ctx context.Context) (*QuotaSnapshot, error)

	// ListEvents returns the audit trail of an execution in insertion order.
	ListEvents(ctx context.Context, executionID string) ([]AuditEvent, error)
}

// LockStore persists conflict locks with per-server compare-and-swap writes.
type LockStore interface {
	// InsertLock inserts lock if no lock exists for the server. When a lock
	// exists it is returned and inserted is false.
	InsertLock(ctx context.Context, lock ConflictLock) (inserted bool, existing *ConflictLock, err error)

	// ReplaceLock swaps the owner of a server's lock only if the current owner
	// is expectedOwner.
	ReplaceLock(ctx context.Context, expectedOwner string, lock ConflictLock) (bool, error)

	// GetLock returns the lock on serverID, or ErrNotFound when the server is free.
	GetLock(ctx context.Context, serverID string) (*ConflictLock, error)

	// DeleteLock removes the server's lock if it is owned by executionID.
	DeleteLock(ctx context.Context, serverID, executionID string) error

	// DeleteLocksByExecution removes every lock owned by executionID.
	DeleteLocksByExecution(ctx context.Context, executionID string) (int, error)

	// ListLocks returns the locks owned by executionID.
	ListLocks(ctx context.Context, executionID string) ([]ConflictLock, error)
}

// ProviderClient is the remote recovery-provisioning service.
type ProviderClient interface {
	// StartJob launches recovery for the servers and returns the provider job ID.
	StartJob(ctx context.Context, serverIDs []string, params JobParams) (string, error)

	// DescribeJob returns the current job state and per-server detail.
	DescribeJob(ctx context.Context, jobID string) (*JobStatus, error)

	// TerminateInstances removes recovery instances. Best effort.
	TerminateInstances(ctx context.Context, instanceIDs []string) error
}

// CapacityReporter exposes region-wide provider capacity used by the quota guard.
type CapacityReporter interface {
	// ReplicatingServers returns the number of source servers currently replicating.
	ReplicatingServers(ctx context.Context) (int, error)
}

// ConflictRegistry prevents two non-terminal executions from holding the same server.
type ConflictRegistry interface {
	// Acquire locks every server for executionID or none of them.
	Acquire(ctx context.Context, executionID string, serverIDs []string) error

	// Release drops the given locks. Idempotent.
	Release(ctx context.Context, executionID string, serverIDs []string) error

	// ReleaseAll drops every lock held by executionID. Idempotent.
	ReleaseAll(ctx context.Context, executionID string) error
}

// QuotaGuard validates prospective provider work against capacity limits.
type QuotaGuard interface {
	// Validate checks a single job's server set.
	Validate(ctx context.Context, serverIDs []string) error

	// ValidateJobs checks the per-job limit for every set and the aggregate
	// limits for their sum.
	ValidateJobs(ctx context.Context, jobs [][]string) error
}

// AdmissionRequest is the input to launch-admission policies.
type AdmissionRequest struct {
	Plan      *RecoveryPlan
	Type      ExecutionType
	StartedBy string
	ServerIDs []string
	Groups    []*ProtectionGroup
}

// LaunchPolicy decides whether an execution may start.
type LaunchPolicy interface {
	// Admit returns a POLICY_DENIED error when any policy denies the request.
	Admit(ctx context.Context, req AdmissionRequest) error
}

// Observer receives execution activity after it has been persisted.
type Observer interface {
	// OnEvent is called once per audit event with the execution as written.
	OnEvent(ctx context.Context, exec *Execution, event AuditEvent)

	// OnProviderCall is called after every provider call.
	OnProviderCall(ctx context.Context, operation string, duration time.Duration, err error)

	// OnStartRejected is called when Start refuses a request.
	OnStartRejected(ctx context.Context, req StartRequest, err error)
}

// NopObserver discards everything.
type NopObserver struct{}

// OnEvent implements Observer.
func (NopObserver) OnEvent(context.Context, *Execution, AuditEvent) {}

// OnProviderCall implements Observer.
func (NopObserver) OnProviderCall(context.Context, string, time.Duration, error) {}

// OnStartRejected implements Observer.
func (NopObserver) OnStartRejected(context.Context, StartRequest, error) {}

// Observers fans out to several observers in order.
type Observers []Observer

// OnEvent implements Observer.
func (o Observers) OnEvent(ctx context.Context, exec *Execution, event AuditEvent) {
	for _, obs := range o {
		obs.OnEvent(ctx, exec, event)
	}
}

// OnProviderCall implements Observer.
func (o Observers) OnProviderCall(ctx context.Context, operation string, d time.Duration, err error) {
	for _, obs := range o {
		obs.OnProviderCall(ctx, operation, d, err)
	}
}

// OnStartRejected implements Observer.
func (o Observers) OnStartRejected(ctx context.Context, req StartRequest, err error) {
	for _, obs := range o {
		obs.OnStartRejected(ctx, req, err)
	}
}
