// Package security carries the identity attached to every inbound operation
// and checks it. The validator holds no policy: it answers a yes/no question
// and reports what it saw on the bus so subscribers can build their own.
package security

import (
	"slices"

	"github.com/google/uuid"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/resources"
)

// Capability tokens understood by the engine.
const (
	PermSwarmExecute = "swarm:execute"
	PermSwarmRead    = "swarm:read"
	PermSwarmManage  = "swarm:manage"
	PermToolInvoke   = "tool:invoke"
	PermToolApprove  = "tool:approve"
)

// Origins.
const (
	OriginHTTP      = "http"
	OriginIPC       = "ipc"
	OriginTelegram  = "telegram"
	OriginScheduler = "scheduler"
	OriginInternal  = "internal"
)

const eventSource = "security"

// Context is the per-request identity. It is never persisted.
type Context struct {
	UserID          string         `json:"userId"`
	TeamID          string         `json:"teamId,omitempty"`
	Permissions     []string       `json:"permissions"`
	Origin          string         `json:"origin"`
	Tier            resources.Tier `json:"tier"`
	ContextID       string         `json:"contextId"`
	ParentContextID string         `json:"parentContextId,omitempty"`
	Operation       string         `json:"operation"`
}

// NewContext builds a root context with a fresh ContextID.
func NewContext(userID, teamID string, perms []string, origin string, tier resources.Tier, operation string) Context {
	return Context{
		UserID:      userID,
		TeamID:      teamID,
		Permissions: slices.Clone(perms),
		Origin:      origin,
		Tier:        tier,
		ContextID:   uuid.New().String(),
		Operation:   operation,
	}
}

// SystemContext is used by the scheduler to act on behalf of a swarm owner.
func SystemContext(userID, teamID, operation string) Context {
	return NewContext(userID, teamID, []string{PermSwarmExecute, PermToolInvoke}, OriginScheduler, resources.TierSwarm, operation)
}

func (c Context) Has(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

// Validator checks contexts and reports every check on the bus.
type Validator struct {
	bus events.Publisher
}

func NewValidator(bus events.Publisher) *Validator {
	if bus == nil {
		bus = events.Discard
	}
	return &Validator{bus: bus}
}

// ValidatePermissions reports whether ctx holds every required permission.
// Exactly one PERMISSION_VALIDATION event is published per call, whatever
// the outcome.
func (v *Validator) ValidatePermissions(ctx Context, required []string, operation string) bool {
	var missing []string
	for _, p := range required {
		if !ctx.Has(p) {
			missing = append(missing, p)
		}
	}
	ok := len(missing) == 0

	v.bus.Publish(events.TopicSecurity, events.New(events.TypePermissionValidation, eventSource, map[string]any{
		"userId":    ctx.UserID,
		"teamId":    ctx.TeamID,
		"operation": operation,
		"required":  nonNil(required),
		"held":      nonNil(ctx.Permissions),
		"missing":   nonNil(missing),
		"result":    ok,
		"origin":    ctx.Origin,
		"tier":      int(ctx.Tier),
		"contextId": ctx.ContextID,
	}))
	return ok
}

// IsAuthenticated reports whether ctx names a user.
func (v *Validator) IsAuthenticated(ctx Context) bool {
	return ctx.UserID != ""
}

// BelongsToTeam reports whether ctx acts for teamID.
func (v *Validator) BelongsToTeam(ctx Context, teamID string) bool {
	return teamID != "" && ctx.TeamID == teamID
}

// CreateSubContext derives a context for a sub-operation. Permissions and
// team are inherited and the lineage is recorded.
func (v *Validator) CreateSubContext(parent Context, operation string) Context {
	return Context{
		UserID:          parent.UserID,
		TeamID:          parent.TeamID,
		Permissions:     slices.Clone(parent.Permissions),
		Origin:          parent.Origin,
		Tier:            parent.Tier,
		ContextID:       uuid.New().String(),
		ParentContextID: parent.ContextID,
		Operation:       operation,
	}
}

// RecordSecurityEvent publishes an audit record unconditionally.
func (v *Validator) RecordSecurityEvent(ctx Context, eventType string, details map[string]any) {
	data := map[string]any{
		"eventType": eventType,
		"userId":    ctx.UserID,
		"teamId":    ctx.TeamID,
		"operation": ctx.Operation,
		"origin":    ctx.Origin,
		"tier":      int(ctx.Tier),
		"contextId": ctx.ContextID,
	}
	if ctx.ParentContextID != "" {
		data["parentContextId"] = ctx.ParentContextID
	}
	if len(details) > 0 {
		data["details"] = details
	}
	v.bus.Publish(events.TopicSecurityAudit, events.New(events.TypeSecurityAudit, eventSource, data))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
