package engine

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/security"
)

// Security audit event types recorded by the engine.
const (
	AuditToolRequested = "TOOL_INVOCATION_REQUESTED"
	AuditToolDecision  = "TOOL_APPROVAL_DECISION"
	AuditSwarmStopped  = "SWARM_STOPPED"
	AuditSwarmCanceled = "SWARM_CANCELLED"
	AuditSwarmPurged   = "SWARM_PURGED"
)

// toolGate lets tools outside the approval list through on tool:invoke and
// parks the rest until a human answers.
type toolGate struct {
	approvals *approval.Service
	validator *security.Validator
	sec       security.Context
	swarm     ids.SwarmID
	gated     func(tool string) bool
}

func (g *toolGate) Authorize(ctx context.Context, bot ids.BotID, call conversation.ToolCall) (conversation.ToolDecision, error) {
	g.validator.RecordSecurityEvent(g.sec, AuditToolRequested, map[string]any{
		"swarmId":    string(g.swarm),
		"botId":      string(bot),
		"toolCallId": call.ID,
		"toolName":   call.Name,
	})

	if !g.validator.ValidatePermissions(g.sec, []string{security.PermToolInvoke}, "tool:"+call.Name) {
		return conversation.ToolDecision{
			Code:   conversation.CodeToolForbidden,
			Reason: fmt.Sprintf("user %q may not invoke tools", g.sec.UserID),
		}, nil
	}
	if !g.gated(call.Name) {
		return conversation.ToolDecision{Allowed: true}, nil
	}
	if g.approvals == nil {
		return conversation.ToolDecision{Code: conversation.CodeToolRejected, Reason: "approvals are not configured"}, nil
	}

	r, err := g.approvals.Await(ctx, approval.Request{
		SwarmID:     g.swarm,
		ChatID:      string(g.swarm),
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		CallerBotID: bot,
		Arguments:   call.Arguments,
	})
	if err != nil {
		return conversation.ToolDecision{}, err
	}

	g.validator.RecordSecurityEvent(g.sec, AuditToolDecision, map[string]any{
		"swarmId":    string(g.swarm),
		"botId":      string(bot),
		"toolCallId": call.ID,
		"toolName":   call.Name,
		"pendingId":  r.PendingID,
		"status":     string(r.Status),
		"decidedBy":  r.ApprovedBy + r.RejectedBy,
	})

	switch r.Status {
	case approval.StatusApproved:
		return conversation.ToolDecision{Allowed: true}, nil
	case approval.StatusRejected:
		return conversation.ToolDecision{Code: conversation.CodeToolRejected, Reason: r.Reason}, nil
	default:
		return conversation.ToolDecision{}, fault.Timeout("approval %s for %s: %s", r.PendingID, call.Name, r.Reason)
	}
}
