package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExecutionStatus represents the overall status of a recovery execution.
type ExecutionStatus string

const (
	// ExecutionStatusPending indicates the execution is created and waiting for its first launch.
	ExecutionStatusPending ExecutionStatus = "PENDING"

	// ExecutionStatusLaunching indicates a provider job for the current wave is being started.
	ExecutionStatusLaunching ExecutionStatus = "LAUNCHING"

	// ExecutionStatusPolling indicates the current wave's job is in flight, or the
	// previous wave completed and the next one is waiting for the next tick.
	ExecutionStatusPolling ExecutionStatus = "POLLING"

	// ExecutionStatusPaused indicates the execution waits for a resume with a valid token.
	ExecutionStatusPaused ExecutionStatus = "PAUSED"

	// ExecutionStatusCompleted indicates every wave completed.
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"

	// ExecutionStatusPartial indicates some waves completed before a failure.
	ExecutionStatusPartial ExecutionStatus = "PARTIAL"

	// ExecutionStatusFailed indicates no wave completed.
	ExecutionStatusFailed ExecutionStatus = "FAILED"

	// ExecutionStatusCancelled indicates the execution was cancelled by an operator.
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// ActiveExecutionStatuses is the status set the dispatcher queries on every tick.
var ActiveExecutionStatuses = []ExecutionStatus{
	ExecutionStatusPending,
	ExecutionStatusLaunching,
	ExecutionStatusPolling,
	ExecutionStatusPaused,
}

// executionTransitions lists every allowed edge of the execution state graph.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending: {
		ExecutionStatusLaunching,
		ExecutionStatusCancelled,
	},
	ExecutionStatusLaunching: {
		ExecutionStatusPolling,
		ExecutionStatusFailed,
		ExecutionStatusPartial,
		ExecutionStatusCancelled,
	},
	ExecutionStatusPolling: {
		ExecutionStatusPolling,
		ExecutionStatusLaunching,
		ExecutionStatusPaused,
		ExecutionStatusCompleted,
		ExecutionStatusPartial,
		ExecutionStatusFailed,
		ExecutionStatusCancelled,
	},
	ExecutionStatusPaused: {
		ExecutionStatusLaunching,
		ExecutionStatusCancelled,
	},
}

// IsTerminal returns true if the execution status represents a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusPartial ||
		s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// IsActive returns true if the dispatcher still has work for the execution.
func (s ExecutionStatus) IsActive() bool {
	return !s.IsTerminal() && s.Validate() == nil
}

// IsCancellable returns true if cancel is allowed from this status.
func (s ExecutionStatus) IsCancellable() bool {
	return s.IsActive()
}

// CanTransitionTo reports whether the state graph has an edge from s to next.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionStatusPending, ExecutionStatusLaunching, ExecutionStatusPolling,
		ExecutionStatusPaused, ExecutionStatusCompleted, ExecutionStatusPartial,
		ExecutionStatusFailed, ExecutionStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// ParseExecutionStatus converts a user supplied string, case-insensitively.
func ParseExecutionStatus(raw string) (ExecutionStatus, error) {
	s := ExecutionStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// ExecutionType distinguishes rehearsals from real recoveries.
type ExecutionType string

const (
	// ExecutionTypeDrill is a non-production rehearsal of a plan.
	ExecutionTypeDrill ExecutionType = "DRILL"

	// ExecutionTypeRecovery is a real failover.
	ExecutionTypeRecovery ExecutionType = "RECOVERY"
)

// IsDrill returns true for drill executions.
func (t ExecutionType) IsDrill() bool {
	return t == ExecutionTypeDrill
}

// Validate checks if the execution type is valid.
func (t ExecutionType) Validate() error {
	switch t {
	case ExecutionTypeDrill, ExecutionTypeRecovery:
		return nil
	default:
		return fmt.Errorf("invalid execution type: %s", t)
	}
}

// ParseExecutionType converts a user supplied string, case-insensitively.
func ParseExecutionType(raw string) (ExecutionType, error) {
	t := ExecutionType(strings.ToUpper(strings.TrimSpace(raw)))
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// WaveStatus represents the status of one wave inside an execution.
type WaveStatus string

const (
	// WaveStatusPending indicates the wave has not been launched.
	WaveStatusPending WaveStatus = "PENDING"

	// WaveStatusLaunching indicates the wave's provider job was requested and is in flight.
	WaveStatusLaunching WaveStatus = "LAUNCHING"

	// WaveStatusCompleted indicates the provider reported every server launched.
	WaveStatusCompleted WaveStatus = "COMPLETED"

	// WaveStatusFailed indicates the provider job failed or could not be started.
	WaveStatusFailed WaveStatus = "FAILED"
)

// IsTerminal returns true if the wave status represents a final state.
func (s WaveStatus) IsTerminal() bool {
	return s == WaveStatusCompleted || s == WaveStatusFailed
}

// CanTransitionTo enforces PENDING -> LAUNCHING -> {COMPLETED|FAILED}. A
// PENDING wave may also go straight to FAILED when it is skipped because a
// wave it depends on did not complete.
func (s WaveStatus) CanTransitionTo(next WaveStatus) bool {
	switch s {
	case WaveStatusPending:
		return next == WaveStatusLaunching || next == WaveStatusFailed
	case WaveStatusLaunching:
		return next.IsTerminal()
	default:
		return false
	}
}

// Validate checks if the wave status is valid.
func (s WaveStatus) Validate() error {
	switch s {
	case WaveStatusPending, WaveStatusLaunching, WaveStatusCompleted, WaveStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid wave status: %s", s)
	}
}

// JobState is the closed set of provider job states the engine understands.
type JobState string

const (
	// JobStatePending indicates the provider accepted the job but has not started it.
	JobStatePending JobState = "PENDING"

	// JobStateInProgress indicates the provider is launching recovery instances.
	JobStateInProgress JobState = "IN_PROGRESS"

	// JobStateLaunched indicates every server of the job was launched.
	JobStateLaunched JobState = "LAUNCHED"

	// JobStateFailed indicates the job ended without launching every server.
	JobStateFailed JobState = "FAILED"
)

// IsTerminal returns true for LAUNCHED and FAILED.
func (s JobState) IsTerminal() bool {
	return s == JobStateLaunched || s == JobStateFailed
}

// Validate checks if the job state is valid.
func (s JobState) Validate() error {
	switch s {
	case JobStatePending, JobStateInProgress, JobStateLaunched, JobStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid job state: %q", string(s))
	}
}

// ParseJobState converts a provider string into a JobState.
// Unknown values are rejected so raw provider strings never reach the state machine.
func ParseJobState(raw string) (JobState, error) {
	s := JobState(strings.ToUpper(strings.TrimSpace(raw)))
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// FailurePolicy decides what happens to the remaining waves once a wave fails.
// A wave never launches before its predecessor completed, so stop is the only
// policy.
type FailurePolicy string

const (
	// FailurePolicyStop leaves the remaining waves unstarted and ends the execution.
	FailurePolicyStop FailurePolicy = "stop"
)

// Validate checks if the failure policy is valid. The empty policy means stop.
func (p FailurePolicy) Validate() error {
	switch p {
	case "", FailurePolicyStop:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}

// OrDefault returns FailurePolicyStop for the empty policy.
func (p FailurePolicy) OrDefault() FailurePolicy {
	if p == "" {
		return FailurePolicyStop
	}
	return p
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *WaveStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = WaveStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (t *ExecutionType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*t = ExecutionType(str)
	return t.Validate()
}
