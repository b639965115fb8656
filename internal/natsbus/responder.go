package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/nats-io/nats.go"
)

// DefaultRespondTimeout bounds a participant reply when ctx has no deadline.
const DefaultRespondTimeout = 5 * time.Minute

// RespondRequest is the wire form of one participant call.
type RespondRequest struct {
	TurnID   string                 `json:"turnId"`
	SwarmID  string                 `json:"swarmId"`
	Bot      string                 `json:"bot"`
	Trigger  json.RawMessage        `json:"trigger,omitempty"`
	History  []conversation.Message `json:"history,omitempty"`
	Prior    []conversation.Message `json:"prior,omitempty"`
	Strategy string                 `json:"strategy,omitempty"`
}

// Responder reaches participants over NATS request/reply. Each bot
// subscribes to TopicBotRespond and answers with a ResponseResult.
type Responder struct {
	client  *Client
	timeout time.Duration
}

func NewResponder(client *Client, timeout time.Duration) *Responder {
	if timeout <= 0 {
		timeout = DefaultRespondTimeout
	}
	return &Responder{client: client, timeout: timeout}
}

func (r *Responder) Respond(ctx context.Context, req conversation.ResponseRequest) (conversation.ResponseResult, error) {
	wire := RespondRequest{
		TurnID:   string(req.TurnID),
		SwarmID:  string(req.Context.SwarmID),
		Bot:      string(req.Bot),
		History:  req.Context.History,
		Prior:    req.Prior,
		Strategy: req.Strategy,
	}
	if req.Context.Trigger != nil {
		data, err := conversation.MarshalTrigger(req.Context.Trigger)
		if err != nil {
			return conversation.ResponseResult{}, fmt.Errorf("marshal trigger: %w", err)
		}
		wire.Trigger = data
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return conversation.ResponseResult{}, fmt.Errorf("marshal respond request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	topic := TopicBotRespond(wire.Bot)
	msg, err := r.client.RequestContext(ctx, topic, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return conversation.ResponseResult{}, fault.Timeout("bot %s did not answer", wire.Bot)
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return conversation.ResponseResult{}, fault.NotFound("bot %s has no responder", wire.Bot)
		}
		return conversation.ResponseResult{}, fmt.Errorf("request %s: %w", topic, err)
	}

	var res conversation.ResponseResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return conversation.ResponseResult{}, fmt.Errorf("decode response from %s: %w", wire.Bot, err)
	}
	slog.Debug("participant answered", "bot", wire.Bot, "turn", wire.TurnID, "success", res.Success)
	return res, nil
}

// ToolRunner runs approved tool calls on the calling bot over NATS.
type ToolRunner struct {
	client  *Client
	timeout time.Duration
}

func NewToolRunner(client *Client, timeout time.Duration) *ToolRunner {
	if timeout <= 0 {
		timeout = DefaultRespondTimeout
	}
	return &ToolRunner{client: client, timeout: timeout}
}

func (t *ToolRunner) Run(ctx context.Context, bot ids.BotID, call conversation.ToolCall) (conversation.ToolResult, error) {
	data, err := json.Marshal(call)
	if err != nil {
		return conversation.ToolResult{}, fmt.Errorf("marshal tool call: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	topic := TopicBotTool(string(bot))
	msg, err := t.client.RequestContext(ctx, topic, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return conversation.ToolResult{}, fault.Timeout("tool %s on %s did not finish", call.Name, bot)
		}
		return conversation.ToolResult{}, fmt.Errorf("request %s: %w", topic, err)
	}

	var res conversation.ToolResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return conversation.ToolResult{}, fmt.Errorf("decode tool result from %s: %w", bot, err)
	}
	return res, nil
}
