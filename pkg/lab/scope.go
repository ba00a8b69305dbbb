package lab

import "strings"

// Scope maps between logical node names and the physical identifiers a
// backend uses. Physical names are derived deterministically as
// "<prefix>-<logical>", and the mapping is invertible: any physical name a
// backend reports can be filtered back to a logical name by stripping the
// prefix. An empty prefix maps names through unchanged; that variant is used
// for shared nodes that live outside any lab namespace.
type Scope struct {
	prefix string
}

// NewScope returns a Scope for the given lab prefix (usually the lab name).
func NewScope(prefix string) Scope {
	return Scope{prefix: prefix}
}

// Prefix returns the raw lab prefix.
func (s Scope) Prefix() string {
	return s.prefix
}

// Physical derives the backend-visible identifier for a logical name.
func (s Scope) Physical(logical string) string {
	if s.prefix == "" {
		return logical
	}
	return s.prefix + "-" + logical
}

// Logical recovers the logical name from a physical identifier. The second
// return is false when the identifier does not belong to this scope.
func (s Scope) Logical(physical string) (string, bool) {
	if s.prefix == "" {
		return physical, true
	}
	rest, ok := strings.CutPrefix(physical, s.prefix+"-")
	if !ok {
		return "", false
	}
	return rest, true
}
