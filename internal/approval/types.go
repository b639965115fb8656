// Package approval runs the human sign-off workflow for tool calls. A pending
// approval ends exactly once: approved, rejected, or timed out.
package approval

import (
	"encoding/json"
	"time"

	"github.com/mtzanidakis/tierflow/internal/ids"
)

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Timeout reasons.
const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

// Request describes a tool call waiting for sign-off. ChatID is the
// conversation the approval prompt is shown in.
type Request struct {
	SwarmID     ids.SwarmID     `json:"swarmId"`
	ChatID      string          `json:"chatId"`
	ToolCallID  string          `json:"toolCallId"`
	ToolName    string          `json:"toolName"`
	CallerBotID ids.BotID       `json:"callerBotId"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

type Pending struct {
	Request
	PendingID string    `json:"pendingId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Result is how a pending approval ended.
type Result struct {
	PendingID        string        `json:"pendingId"`
	Status           Status        `json:"status"`
	Approved         bool          `json:"approved"`
	Reason           string        `json:"reason,omitempty"`
	ApprovalDuration time.Duration `json:"approvalDuration"`
	ApprovedBy       string        `json:"approvedBy,omitempty"`
	RejectedBy       string        `json:"rejectedBy,omitempty"`
}

// RespondToToolApprovalInput is the external API shape; it names the chat
// conversationId.
type RespondToToolApprovalInput struct {
	ConversationID string `json:"conversationId"`
	PendingID      string `json:"pendingId"`
	Approved       bool   `json:"approved"`
	Reason         string `json:"reason,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SocketPayload is the transport shape of an approval response. An approval
// carries approvedBy and never reason; a rejection carries reason and
// rejectedBy and never approvedBy.
type SocketPayload struct {
	ChatID     string  `json:"chatId"`
	PendingID  string  `json:"pendingId"`
	Approved   bool    `json:"approved"`
	ApprovedBy *string `json:"approvedBy,omitempty"`
	RejectedBy *string `json:"rejectedBy,omitempty"`
	Reason     *string `json:"reason,omitempty"`
}

func ToSocketPayload(in RespondToToolApprovalInput) SocketPayload {
	p := SocketPayload{
		ChatID:    in.ConversationID,
		PendingID: in.PendingID,
		Approved:  in.Approved,
	}
	user := in.UserID
	if in.Approved {
		p.ApprovedBy = &user
	} else {
		reason := in.Reason
		p.Reason = &reason
		p.RejectedBy = &user
	}
	return p
}

func FromSocketPayload(p SocketPayload) RespondToToolApprovalInput {
	in := RespondToToolApprovalInput{
		ConversationID: p.ChatID,
		PendingID:      p.PendingID,
		Approved:       p.Approved,
	}
	switch {
	case p.Approved && p.ApprovedBy != nil:
		in.UserID = *p.ApprovedBy
	case !p.Approved && p.RejectedBy != nil:
		in.UserID = *p.RejectedBy
	}
	if !p.Approved && p.Reason != nil {
		in.Reason = *p.Reason
	}
	return in
}
