package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary provider unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the recovery provider.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: servers locked by another execution, optimistic version mismatch.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid plan, unauthorized provider call, expired pause token.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Execution is the execution ID the error relates to, if applicable.
	Execution string `json:"execution,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Execution != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (execution=%s, operation=%s)", e.Execution, e.Operation)
	} else if e.Execution != "" {
		fmt.Fprintf(&b, " (execution=%s)", e.Execution)
	} else if e.Operation != "" {
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithExecution adds execution context to an error.
func (e *EngineError) WithExecution(executionID string) *EngineError {
	e.Execution = executionID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable. Conflicts are only retryable
// when they come from a version mismatch; a server held by another execution
// is left to the caller.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || HasCode(err, ErrCodeVersionConflict)
}

// CodeOf returns the code of the first EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// Error codes.
const (
	ErrCodeInvalidPlan          = "INVALID_PLAN"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAlreadyExists        = "ALREADY_EXISTS"
	ErrCodeServerInUse          = "SERVER_IN_USE"
	ErrCodeQuotaExceeded        = "QUOTA_EXCEEDED"
	ErrCodePolicyDenied         = "POLICY_DENIED"
	ErrCodeVersionConflict      = "VERSION_CONFLICT"
	ErrCodeInvalidState         = "INVALID_STATE"
	ErrCodeTokenInvalid         = "TOKEN_INVALID"
	ErrCodeTokenExpired         = "TOKEN_EXPIRED"
	ErrCodeProviderTransient    = "PROVIDER_TRANSIENT"
	ErrCodeProviderThrottled    = "PROVIDER_THROTTLED"
	ErrCodeProviderFatal        = "PROVIDER_FATAL"
	ErrCodeProviderUnauthorized = "PROVIDER_UNAUTHORIZED"
	ErrCodeInvalidServer        = "INVALID_SERVER"
	ErrCodePollFailed           = "POLL_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// ErrNotFound is the sentinel matched by errors.Is for missing records.
var ErrNotFound = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: "not found"}

// ErrVersionConflict is the sentinel matched by errors.Is for stale writes.
var ErrVersionConflict = &EngineError{Class: ErrorClassConflict, Code: ErrCodeVersionConflict, Message: "version conflict"}

// NewNotFoundError reports a missing record of the given kind.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s %q not found", kind, id), nil).
		WithCode(ErrCodeNotFound).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

// NewVersionConflictError reports an optimistic concurrency failure.
func NewVersionConflictError(executionID string, expected int64) *EngineError {
	return NewConflictError("execution was modified concurrently", nil).
		WithCode(ErrCodeVersionConflict).
		WithExecution(executionID).
		WithDetail("expected_version", expected)
}

// NewInvalidPlanError reports a plan that cannot be executed.
func NewInvalidPlanError(planID, reason string) *EngineError {
	return NewPermanentError(fmt.Sprintf("plan %q is invalid: %s", planID, reason), nil).
		WithCode(ErrCodeInvalidPlan).
		WithDetail("plan_id", planID)
}

// NewInvalidStateError reports an operation not allowed in the current status.
func NewInvalidStateError(executionID, operation string, status ExecutionStatus) *EngineError {
	return NewPermanentError(fmt.Sprintf("cannot %s execution in status %s", operation, status), nil).
		WithCode(ErrCodeInvalidState).
		WithExecution(executionID).
		WithOperation(operation).
		WithDetail("status", string(status))
}

// ServerInUse is the typed detail of a SERVER_IN_USE conflict.
type ServerInUse struct {
	ServerID         string `json:"server_id"`
	OwnerExecutionID string `json:"owner_execution_id"`
}

func (s *ServerInUse) Error() string {
	return fmt.Sprintf("server %s is locked by execution %s", s.ServerID, s.OwnerExecutionID)
}

// NewServerInUseError reports the first conflicting server and its owner.
func NewServerInUseError(serverID, ownerExecutionID string) *EngineError {
	return NewConflictError("server in use", &ServerInUse{ServerID: serverID, OwnerExecutionID: ownerExecutionID}).
		WithCode(ErrCodeServerInUse).
		WithDetail("server_id", serverID).
		WithDetail("owner_execution_id", ownerExecutionID)
}

// QuotaRule names one of the provider capacity checks.
type QuotaRule string

const (
	QuotaRuleServersPerJob      QuotaRule = "max_servers_per_job"
	QuotaRuleConcurrentJobs     QuotaRule = "max_concurrent_jobs"
	QuotaRuleTotalServers       QuotaRule = "max_total_servers"
	QuotaRuleReplicatingServers QuotaRule = "max_replicating_servers"
)

// QuotaViolation is the typed detail of a QUOTA_EXCEEDED rejection.
type QuotaViolation struct {
	Rule    QuotaRule `json:"rule"`
	Current int       `json:"current"`
	Limit   int       `json:"limit"`
}

func (q *QuotaViolation) Error() string {
	return fmt.Sprintf("quota %s exceeded: %d against limit %d", q.Rule, q.Current, q.Limit)
}

// NewQuotaExceededError reports the first violated quota rule.
func NewQuotaExceededError(rule QuotaRule, current, limit int) *EngineError {
	return NewPermanentError("quota exceeded", &QuotaViolation{Rule: rule, Current: current, Limit: limit}).
		WithCode(ErrCodeQuotaExceeded).
		WithDetail("rule", string(rule)).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// NewTokenInvalidError reports a resume with a token that does not match.
func NewTokenInvalidError(executionID string) *EngineError {
	return NewPermanentError("pause token is invalid", nil).
		WithCode(ErrCodeTokenInvalid).
		WithExecution(executionID).
		WithOperation("resume")
}

// NewTokenExpiredError reports a resume after the token expiry.
func NewTokenExpiredError(executionID string) *EngineError {
	return NewPermanentError("pause token has expired", nil).
		WithCode(ErrCodeTokenExpired).
		WithExecution(executionID).
		WithOperation("resume")
}

// NewPolicyDeniedError reports a launch rejected by admission policies.
func NewPolicyDeniedError(reasons []string) *EngineError {
	return NewPermanentError("launch denied by policy", errors.New(strings.Join(reasons, "; "))).
		WithCode(ErrCodePolicyDenied).
		WithDetail("reasons", reasons)
}

// IsProviderFatal reports whether a provider error must fail the wave.
func IsProviderFatal(err error) bool {
	return HasCode(err, ErrCodeProviderFatal) ||
		HasCode(err, ErrCodeProviderUnauthorized) ||
		HasCode(err, ErrCodeInvalidServer) ||
		(IsPermanent(err) && HasCode(err, ErrCodeNotFound))
}
