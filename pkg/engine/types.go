package engine

import (
	"time"
)

// RecoveryPlan is an ordered list of waves. A plan is immutable while any
// execution derived from it exists.
type RecoveryPlan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Name is the human-readable name of the plan.
	Name string `json:"name"`

	// Description is optional free text.
	Description string `json:"description,omitempty"`

	// Waves are executed strictly in index order.
	Waves []Wave `json:"waves"`

	// FailurePolicy decides what happens after a wave fails. Empty means stop.
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`

	// Labels are key-value pairs available to admission policies.
	Labels map[string]string `json:"labels,omitempty"`

	// CreatedAt is when the plan was first stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the plan was last stored.
	UpdatedAt time.Time `json:"updated_at"`
}

// Wave is one ordered stage of a plan targeting a single protection group.
type Wave struct {
	// Index is the wave's zero-based position in the plan.
	Index int `json:"index"`

	// Name is an optional display name.
	Name string `json:"name,omitempty"`

	// GroupID is the protection group the wave recovers.
	GroupID string `json:"group_id"`

	// PauseBeforeWave requires a manual resume before this wave launches.
	// Ignored for the first wave.
	PauseBeforeWave bool `json:"pause_before_wave"`

	// DependsOn lists indexes of earlier waves this wave requires.
	DependsOn []int `json:"depends_on,omitempty"`
}

// ProtectionGroup is a named, disjoint set of servers recovered as one unit.
type ProtectionGroup struct {
	// ID is the unique identifier for this group.
	ID string `json:"id"`

	// Name is the human-readable name of the group.
	Name string `json:"name"`

	// ServerIDs are the provider source server IDs in the group.
	ServerIDs []string `json:"server_ids"`

	// CreatedAt is when the group was first stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the group was last stored.
	UpdatedAt time.Time `json:"updated_at"`
}

// Execution is one run of a recovery plan.
type Execution struct {
	// ID is the unique identifier for this execution.
	ID string `json:"id"`

	// PlanID is the plan this execution was started from.
	PlanID string `json:"plan_id"`

	// Type is DRILL or RECOVERY.
	Type ExecutionType `json:"type"`

	// Status is the current status of the execution.
	Status ExecutionStatus `json:"status"`

	// Version is the optimistic concurrency token, incremented on every write.
	Version int64 `json:"version"`

	// FailurePolicy is copied from the plan at start.
	FailurePolicy FailurePolicy `json:"failure_policy"`

	// Waves holds one record per plan wave, in order.
	Waves []WaveExecution `json:"waves"`

	// StartedBy identifies who requested the execution.
	StartedBy string `json:"started_by,omitempty"`

	// LastError is the most recent error observed while driving the execution.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt is when the execution was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the execution was last written.
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is set when the execution reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WaveExecution is the per-wave state of an execution.
type WaveExecution struct {
	// Index mirrors Wave.Index.
	Index int `json:"index"`

	// GroupID mirrors Wave.GroupID.
	GroupID string `json:"group_id"`

	// ServerIDs is the group membership snapshot taken at start.
	ServerIDs []string `json:"server_ids"`

	// PauseBeforeWave mirrors Wave.PauseBeforeWave.
	PauseBeforeWave bool `json:"pause_before_wave"`

	// DependsOn mirrors Wave.DependsOn.
	DependsOn []int `json:"depends_on,omitempty"`

	// Status is the current status of the wave.
	Status WaveStatus `json:"status"`

	// JobID is the provider job, empty until the provider accepted the launch.
	JobID string `json:"job_id,omitempty"`

	// PauseToken is the outstanding resume credential, empty unless paused.
	PauseToken string `json:"pause_token,omitempty"`

	// PauseTokenExpiry is when PauseToken stops being accepted.
	PauseTokenExpiry *time.Time `json:"pause_token_expiry,omitempty"`

	// PauseApprovedAt is set when a valid token was consumed for this wave.
	PauseApprovedAt *time.Time `json:"pause_approved_at,omitempty"`

	// LaunchStartedAt is when the launch was claimed; used as a lease.
	LaunchStartedAt *time.Time `json:"launch_started_at,omitempty"`

	// CompletedAt is set when the wave reaches COMPLETED or FAILED.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RecoveryInstanceIDs are the instances the provider launched for this wave.
	RecoveryInstanceIDs []string `json:"recovery_instance_ids,omitempty"`

	// LastError is the most recent error for this wave.
	LastError string `json:"last_error,omitempty"`
}

// CurrentWave returns the index of the first wave that is not settled, or -1
// when every wave is COMPLETED or FAILED.
func (e *Execution) CurrentWave() int {
	for i := range e.Waves {
		if !e.Waves[i].Status.IsTerminal() {
			return i
		}
	}
	return -1
}

// ServerIDs returns the union of all wave server sets, in wave order.
func (e *Execution) ServerIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range e.Waves {
		for _, id := range w.ServerIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// UnmetDependencies returns the waves that must be COMPLETED before wave idx
// may launch but are not: its predecessor and every wave in DependsOn.
func (e *Execution) UnmetDependencies(idx int) []int {
	if idx < 0 || idx >= len(e.Waves) {
		return nil
	}
	deps := e.Waves[idx].DependsOn
	if idx > 0 {
		deps = append([]int{idx - 1}, deps...)
	}
	seen := make(map[int]bool, len(deps))
	var unmet []int
	for _, d := range deps {
		if seen[d] {
			continue
		}
		seen[d] = true
		if d < 0 || d >= len(e.Waves) || e.Waves[d].Status != WaveStatusCompleted {
			unmet = append(unmet, d)
		}
	}
	return unmet
}

// CountWaves returns how many waves are in the given status.
func (e *Execution) CountWaves(status WaveStatus) int {
	n := 0
	for _, w := range e.Waves {
		if w.Status == status {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to mutate independently.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.Waves = make([]WaveExecution, len(e.Waves))
	for i, w := range e.Waves {
		wc := w
		wc.ServerIDs = append([]string(nil), w.ServerIDs...)
		wc.DependsOn = append([]int(nil), w.DependsOn...)
		wc.RecoveryInstanceIDs = append([]string(nil), w.RecoveryInstanceIDs...)
		wc.PauseTokenExpiry = cloneTime(w.PauseTokenExpiry)
		wc.PauseApprovedAt = cloneTime(w.PauseApprovedAt)
		wc.LaunchStartedAt = cloneTime(w.LaunchStartedAt)
		wc.CompletedAt = cloneTime(w.CompletedAt)
		c.Waves[i] = wc
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ConflictLock marks a server as owned by a non-terminal execution.
type ConflictLock struct {
	ServerID    string    `json:"server_id"`
	ExecutionID string    `json:"execution_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// QuotaSnapshot aggregates in-flight provider work across non-terminal executions.
type QuotaSnapshot struct {
	// ActiveJobs is the number of waves with a launch in flight.
	ActiveJobs int `json:"active_jobs"`

	// ActiveJobServers is the number of servers across those waves.
	ActiveJobServers int `json:"active_job_servers"`
}

// AuditKind classifies audit trail entries.
type AuditKind string

const (
	AuditKindExecutionCreated    AuditKind = "execution.created"
	AuditKindExecutionTransition AuditKind = "execution.transition"
	AuditKindWaveTransition      AuditKind = "wave.transition"
	AuditKindPauseTokenIssued    AuditKind = "pause.issued"
	AuditKindPauseTokenConsumed  AuditKind = "pause.consumed"
	AuditKindError               AuditKind = "error"
	AuditKindInstancesTerminated AuditKind = "instances.terminated"
)

// AuditEvent is one append-only entry of an execution's audit trail.
type AuditEvent struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Kind        AuditKind `json:"kind"`
	WaveIndex   *int      `json:"wave_index,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobParams are the launch options passed to the provider.
type JobParams struct {
	// ExecutionID and WaveIndex are attached to the job as tags.
	ExecutionID string
	WaveIndex   int

	// Drill launches isolated drill instances instead of a real recovery.
	Drill bool

	// Tags are copied onto the provider job.
	Tags map[string]string
}

// ServerLaunchStatus is the per-server detail of a provider job.
type ServerLaunchStatus struct {
	ServerID           string `json:"server_id"`
	LaunchStatus       string `json:"launch_status"`
	RecoveryInstanceID string `json:"recovery_instance_id,omitempty"`
}

// JobStatus is the provider view of a job, with the state already parsed
// into the closed JobState set.
type JobStatus struct {
	JobID   string               `json:"job_id"`
	State   JobState             `json:"state"`
	Servers []ServerLaunchStatus `json:"servers,omitempty"`
}

// RecoveryInstanceIDs returns the non-empty recovery instance IDs of the job.
func (s *JobStatus) RecoveryInstanceIDs() []string {
	var ids []string
	for _, srv := range s.Servers {
		if srv.RecoveryInstanceID != "" {
			ids = append(ids, srv.RecoveryInstanceID)
		}
	}
	return ids
}

// StartRequest is the input of Sequencer.Start.
type StartRequest struct {
	PlanID    string
	Type      ExecutionType
	StartedBy string
}

// ListFilter selects executions for listing.
type ListFilter struct {
	Statuses []ExecutionStatus
	PlanID   string
	Limit    int
}

// TerminationReport is the result of a best-effort instance cleanup.
type TerminationReport struct {
	ExecutionID string   `json:"execution_id"`
	InstanceIDs []string `json:"instance_ids"`
	Error       string   `json:"error,omitempty"`
}
