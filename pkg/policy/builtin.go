package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		knownCapabilitiesPolicy(),
		instanceControlScopePolicy(),
		sourceSizePolicy(),
	}
}

// knownCapabilitiesPolicy rejects macros declaring capabilities the sandbox
// does not implement. An unknown capability is a misdeclared macro, not a
// forward-compatibility hook.
func knownCapabilitiesPolicy() Policy {
	return Policy{
		Name:        "known-capabilities",
		Description: "Macros may only declare capabilities the sandbox implements",
		Enabled:     true,
		Rego: `package warden.policies.capabilities

import rego.v1

known := {"instance_control"}

deny contains violation if {
	some cap in input.macro.capabilities
	not known[cap]
	violation := {
		"message": sprintf("macro %s declares unknown capability %q", [input.macro.name, cap]),
		"severity": "error",
	}
}`,
	}
}

// instanceControlScopePolicy requires instance-control macros to be bound to
// an instance; an unbound macro has no target for those bindings.
func instanceControlScopePolicy() Policy {
	return Policy{
		Name:        "instance-control-scope",
		Description: "Instance-control macros must be bound to an instance",
		Enabled:     true,
		Rego: `package warden.policies.scope

import rego.v1

deny contains violation if {
	some cap in input.macro.capabilities
	cap == "instance_control"
	input.macro.instance_uuid == ""
	violation := {
		"message": sprintf("macro %s declares instance_control but is not bound to an instance", [input.macro.name]),
		"severity": "error",
	}
}`,
	}
}

// sourceSizePolicy warns on oversized macro sources.
func sourceSizePolicy() Policy {
	return Policy{
		Name:        "source-size",
		Description: "Warns when a macro source exceeds 256 KiB",
		Enabled:     true,
		Rego: `package warden.policies.size

import rego.v1

deny contains violation if {
	input.macro.source_bytes > 262144
	violation := {
		"message": sprintf("macro %s source is %d bytes", [input.macro.name, input.macro.source_bytes]),
		"severity": "warning",
	}
}`,
	}
}
