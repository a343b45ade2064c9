package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the launch.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the launch.
	SeverityError Severity = "error"

	// SeverityCritical blocks the launch.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an admission rule written in Rego. A policy contributes
// violations through a `deny` set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary. They survive reloads.
	Builtin bool `json:"-"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one denial or warning produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Plan      PlanInput    `json:"plan"`
	Type      string       `json:"type"`
	StartedBy string       `json:"started_by"`
	Servers   []string     `json:"servers"`
	Groups    []GroupInput `json:"groups"`
	Settings  Settings     `json:"settings"`
	Now       TimeInput    `json:"now"`
}

// PlanInput is the plan as seen by policies.
type PlanInput struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	FailurePolicy string            `json:"failure_policy"`
	Labels        map[string]string `json:"labels"`
	Waves         []WaveInput       `json:"waves"`
}

// WaveInput is a plan wave as seen by policies.
type WaveInput struct {
	Index           int    `json:"index"`
	GroupID         string `json:"group_id"`
	PauseBeforeWave bool   `json:"pause_before_wave"`
}

// GroupInput is a protection group as seen by policies.
type GroupInput struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Servers []string `json:"servers"`
}

// TimeInput exposes the evaluation time in forms Rego can compare directly.
type TimeInput struct {
	RFC3339 string `json:"rfc3339"`
	Weekday string `json:"weekday"`
	Hour    int    `json:"hour"`
}

// Settings are operator-tunable values the built-in policies read.
type Settings struct {
	// MaxWaves denies plans with more waves. Zero disables the check.
	MaxWaves int `json:"max_waves" mapstructure:"max_waves" validate:"min=0"`

	// DrillOnlyLabel marks plans that may only run as drills when its value is "true".
	DrillOnlyLabel string `json:"drill_only_label" mapstructure:"drill_only_label"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		MaxWaves:       20,
		DrillOnlyLabel: "drorch.io/drill-only",
	}
}
