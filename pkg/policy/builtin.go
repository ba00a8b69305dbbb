package policy

// BuiltinPolicies returns the policies labforge ships with. They guard the
// few invariants worth enforcing on every lab: protected labs keep their
// nodes, node names stay within the naming scheme, and provisioned nodes get
// ownership tags.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedLabPolicy(),
		nodeNamingPolicy(),
		ownershipTagPolicy(),
	}
}

// protectedLabPolicy blocks destructive actions in labs marked protected.
func protectedLabPolicy() Policy {
	return Policy{
		Name:        "protected-lab",
		Description: "Refuses to remove nodes from a lab marked protected",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package labforge.policies.protected

import rego.v1

deny contains violation if {
	input.protected
	some action in input.actions
	action.kind == "remove"
	violation := {
		"message": sprintf("lab %s is protected; refusing to remove node %s", [input.lab, action.node]),
		"severity": "error",
		"node": action.node,
	}
}
`,
	}
}

// nodeNamingPolicy enforces the naming scheme the physical-name mapping
// relies on: lowercase alphanumerics and hyphens, starting with a letter.
func nodeNamingPolicy() Policy {
	return Policy{
		Name:        "node-naming",
		Description: "Enforces lowercase alphanumeric-and-hyphen node names",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package labforge.policies.naming

import rego.v1

deny contains violation if {
	some action in input.actions
	action.kind == "provision"
	not regex.match("^[a-z][a-z0-9-]*$", action.node)
	violation := {
		"message": sprintf("node name %q does not match ^[a-z][a-z0-9-]*$", [action.node]),
		"severity": "error",
		"node": action.node,
	}
}
`,
	}
}

// ownershipTagPolicy warns when a provisioning plan carries no metadata
// tagging step, since untagged nodes cannot be traced back to their lab.
func ownershipTagPolicy() Policy {
	return Policy{
		Name:        "ownership-tags",
		Description: "Warns when a provisioning plan does not tag the node",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package labforge.policies.ownership

import rego.v1

has_metadata_step if {
	some action in input.actions
	action.kind == "metadata"
}

deny contains violation if {
	some action in input.actions
	action.kind == "provision"
	not has_metadata_step
	violation := {
		"message": sprintf("plan provisions %s without tagging it", [action.node]),
		"severity": "warning",
		"node": action.node,
	}
}
`,
	}
}
