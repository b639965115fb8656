package events

import "strings"

// Topics.
const (
	TopicSwarmResources = "swarm.resources"
	TopicRunResources   = "run.resources"
	TopicStepResources  = "step.resources"
	TopicSecurity       = "security.events"
	TopicSecurityAudit  = "security.audit"
	TopicApproval       = "tool.approval"
	TopicSwarmLifecycle = "swarm.lifecycle"
	TopicTurns          = "turn.events"

	TopicAll = ">"
)

// Event types.
const (
	TypePermissionValidation = "PERMISSION_VALIDATION"
	TypeSecurityAudit        = "SECURITY_AUDIT"

	TypeResourceReserved  = "RESOURCE_RESERVED"
	TypeResourceConsumed  = "RESOURCE_CONSUMED"
	TypeResourceReleased  = "RESOURCE_RELEASED"
	TypeResourceExhausted = "RESOURCE_EXHAUSTED"
	TypeRateLimited       = "RATE_LIMITED"
	TypeScopeOpened       = "SCOPE_OPENED"
	TypeScopeClosed       = "SCOPE_CLOSED"
	TypeScopeEvicted      = "SCOPE_EVICTED"

	TypeApprovalRequired = "APPROVAL_REQUIRED"
	TypeApprovalResolved = "APPROVAL_RESOLVED"
	TypeApprovalTimeout  = "APPROVAL_TIMEOUT"

	TypeSwarmCreated      = "SWARM_CREATED"
	TypeSwarmStateChanged = "SWARM_STATE_CHANGED"
	TypeSwarmDeleted      = "SWARM_DELETED"

	TypeTurnStarted   = "TURN_STARTED"
	TypeTurnCompleted = "TURN_COMPLETED"
)

// Match reports whether subject matches pattern using NATS wildcard rules.
func Match(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
