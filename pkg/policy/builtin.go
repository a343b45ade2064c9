package policy

// GetBuiltinPolicies returns all built-in admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		recoveryRequiresOperatorPolicy(),
		maxWavesPolicy(),
		drillOnlyPlanPolicy(),
		emptyGroupPolicy(),
	}
}

// recoveryRequiresOperatorPolicy refuses anonymous failovers.
func recoveryRequiresOperatorPolicy() Policy {
	return Policy{
		Name:        "recovery-requires-operator",
		Description: "A RECOVERY execution must name who started it",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package drorch.admission.operator

import rego.v1

deny contains violation if {
	input.type == "RECOVERY"
	trim_space(input.started_by) == ""
	violation := {
		"message": sprintf("recovery of plan %s requires started_by", [input.plan.id]),
		"severity": "error",
	}
}
`,
	}
}

// maxWavesPolicy bounds plan length.
func maxWavesPolicy() Policy {
	return Policy{
		Name:        "max-waves",
		Description: "Plans may not have more waves than settings.max_waves",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package drorch.admission.waves

import rego.v1

deny contains violation if {
	input.settings.max_waves > 0
	count(input.plan.waves) > input.settings.max_waves
	violation := {
		"message": sprintf("plan %s has %d waves, at most %d are allowed",
			[input.plan.id, count(input.plan.waves), input.settings.max_waves]),
		"severity": "error",
	}
}
`,
	}
}

// drillOnlyPlanPolicy keeps rehearsal-only plans out of real failovers.
func drillOnlyPlanPolicy() Policy {
	return Policy{
		Name:        "drill-only-plan",
		Description: "Plans labelled drill-only may not start a RECOVERY",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package drorch.admission.drillonly

import rego.v1

deny contains violation if {
	input.type == "RECOVERY"
	input.settings.drill_only_label != ""
	input.plan.labels[input.settings.drill_only_label] == "true"
	violation := {
		"message": sprintf("plan %s is labelled %s and may only run as a drill",
			[input.plan.id, input.settings.drill_only_label]),
		"severity": "error",
	}
}
`,
	}
}

// emptyGroupPolicy warns about waves that would launch nothing.
func emptyGroupPolicy() Policy {
	return Policy{
		Name:        "empty-group",
		Description: "Warns when a wave's protection group has no servers",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package drorch.admission.emptygroup

import rego.v1

deny contains violation if {
	some group in input.groups
	count(group.servers) == 0
	violation := {
		"message": sprintf("protection group %s has no servers", [group.id]),
		"severity": "warning",
	}
}
`,
	}
}
