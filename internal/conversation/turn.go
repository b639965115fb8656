package conversation

import (
	"fmt"
	"slices"
	"time"

	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/resources"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one contribution to a conversation. Sender is a bot ID for
// assistant messages and a user ID for user messages.
type Message struct {
	Sender    string     `json:"sender"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeAdaptive   Mode = "adaptive"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSequential, ModeParallel, ModeAdaptive:
		return m, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// Context is the conversation state a turn starts from.
type Context struct {
	SwarmID ids.SwarmID `json:"swarmId"`
	Trigger Trigger     `json:"-"`
	History []Message   `json:"history,omitempty"`
}

type TurnParams struct {
	TurnID       ids.TurnID
	Participants []ids.BotID
	Context      Context
	Strategy     string
	Mode         Mode
	// Budget bounds the turn. Budget.Time (ms) is the deadline for all
	// participant responses; Budget.Tokens feeds the adaptive policy.
	Budget resources.Amount
}

// ResponseError encodes why a participant failed.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Failure codes set by the executor.
const (
	CodeTimeout       = "timeout"
	CodeCancelled     = "cancelled"
	CodeResponder     = "responder_error"
	CodeToolRejected  = "rejected"
	CodeToolTimeout   = "approval_timeout"
	CodeToolNoRunner  = "no_runner"
	CodeToolFailed    = "tool_error"
	CodeToolForbidden = "unauthorized"
)

type ResponseResult struct {
	Success     bool             `json:"success"`
	Messages    []Message        `json:"messages,omitempty"`
	ToolCalls   []ToolCall       `json:"toolCalls,omitempty"`
	ToolResults []ToolResult     `json:"toolResults,omitempty"`
	Usage       resources.Amount `json:"usage"`
	Confidence  *float64         `json:"confidence,omitempty"`
	Error       *ResponseError   `json:"error,omitempty"`
	Duration    time.Duration    `json:"duration"`
}

func failed(code, msg string) ResponseResult {
	return ResponseResult{Error: &ResponseError{Code: code, Message: msg}}
}

type TurnMetrics struct {
	TotalDuration    time.Duration `json:"totalDuration"`
	ParticipantCount int           `json:"participantCount"`
	MessageCount     int           `json:"messageCount"`
	ToolCallCount    int           `json:"toolCallCount"`
	AvgConfidence    *float64      `json:"averageConfidence,omitempty"`
	Mode             Mode          `json:"executionMode"`
}

// TurnResult holds exactly one ParticipantResults entry per requested
// participant, failed ones included.
type TurnResult struct {
	TurnID             ids.TurnID                   `json:"turnId"`
	Messages           []Message                    `json:"messages"`
	Usage              resources.Amount             `json:"usage"`
	ParticipantResults map[ids.BotID]ResponseResult `json:"participantResults"`
	Metrics            *TurnMetrics                 `json:"metrics,omitempty"`
}

// Failed returns the participants whose response did not succeed.
func (r *TurnResult) Failed() []ids.BotID {
	var out []ids.BotID
	for bot, res := range r.ParticipantResults {
		if !res.Success {
			out = append(out, bot)
		}
	}
	slices.Sort(out)
	return out
}
