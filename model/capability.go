package model

import "strings"

// Capabilities checked by the engine and the HTTP layer.
const (
	// CapOverride lets an actor act on any step regardless of the resolved
	// approver set, including blocked instances.
	CapOverride = "approvals:instances:override"
	// CapTemplatesManage guards template create, update and (de)activation.
	CapTemplatesManage = "approvals:templates:manage"
	// CapInstancesViewAll lets an actor read and list instances they are not party to.
	CapInstancesViewAll = "approvals:instances:view_all"
)

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "approvals:templates:manage") and may include
// wildcards (e.g. "approvals:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities (including
// via wildcards).
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities (including via wildcards).
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                      matches anything
//	"approvals:*"            matches "approvals:instances:override"
//	"approvals:instances:*"  matches "approvals:instances:override"
//	"approvals:instances"    does NOT match "approvals:instances:override"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given subject.
	Invalidate(subjectID string)
}

// PolicyEvaluator is the backend that maps a caller's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from the external source.
	Sync() error
}
