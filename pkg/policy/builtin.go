package policy

// BuiltinPolicies returns the policies compiled into the binary. They
// load before any configured modules and cannot be disabled.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedResourcesPolicy(),
		massRemovalPolicy(),
	}
}

// protectedResourcesPolicy denies removal of chunks declared with
// protected: true.
func protectedResourcesPolicy() Policy {
	return Policy{
		Name:    "protected-resources",
		Source:  "builtin",
		Builtin: true,
		Rego: `package halite.policies.protected

import rego.v1

deny contains violation if {
	input.chunk.fun == "absent"
	input.chunk.protected == true
	violation := {
		"message": sprintf("resource %s is protected and cannot be removed", [input.chunk.name]),
	}
}`,
	}
}

// massRemovalPolicy warns when one run removes many resources at once.
func massRemovalPolicy() Policy {
	return Policy{
		Name:    "mass-removal",
		Source:  "builtin",
		Builtin: true,
		Rego: `package halite.policies.removal

import rego.v1

removal_threshold := 5

warn contains msg if {
	removals := count([c | some c in input.low; c.fun == "absent"])
	removals > removal_threshold
	msg := sprintf("%d resources will be removed in one run", [removals])
}`,
	}
}
