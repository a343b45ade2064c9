// Package policy provides Open Policy Agent (OPA) launch admission.
//
// An Engine evaluates Rego policies against every start request after the
// plan is resolved and before quota checks or lock acquisition. Any blocking
// violation turns into a POLICY_DENIED error, so a denied request has no side
// effects.
//
// # Writing policies
//
// Policies use Rego v1 syntax and contribute entries to a `deny` set in their
// package. An entry is either a string or an object with `message` and an
// optional `severity` ("info", "warning", "error", "critical"). Only error
// and critical entries block; the rest are logged as warnings.
//
//	package drorch.admission.weekend
//
//	import rego.v1
//
//	deny contains msg if {
//		input.type == "DRILL"
//		input.now.weekday in {"Saturday", "Sunday"}
//		msg := "drills are not allowed on weekends"
//	}
//
// The input document has the fields plan (id, name, failure_policy, labels,
// waves), type, started_by, servers, groups, settings and now (rfc3339,
// weekday, hour in UTC).
//
// # Built-in policies
//
//   - recovery-requires-operator: RECOVERY needs a non-empty started_by
//   - max-waves: plans longer than settings.max_waves are refused
//   - drill-only-plan: plans labelled with settings.drill_only_label = "true" only run as drills
//   - empty-group: warns about waves whose group has no servers
//
// # Loading and reloading
//
// LoadPolicies reads .rego files (named after the file, severity error) and
// .json definitions. Watch reloads on any change under the given paths. A
// reload that fails to parse or compile keeps the previous set.
package policy
