package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/nats-io/nats.go"
)

func TestResponderRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	bot := newTestClient(t, bus)
	gateway := newTestClient(t, bus)

	got := make(chan RespondRequest, 1)
	_, err := bot.Subscribe(TopicBotRespond("bot-a"), func(msg *nats.Msg) {
		var req RespondRequest
		_ = json.Unmarshal(msg.Data, &req)
		got <- req
		data, _ := json.Marshal(conversation.ResponseResult{
			Success:  true,
			Messages: []conversation.Message{{Sender: "bot-a", Content: "done"}},
			Usage:    resources.Amount{Tokens: 42},
		})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bot.Flush()

	r := NewResponder(gateway, time.Second)
	res, err := r.Respond(context.Background(), conversation.ResponseRequest{
		TurnID: "turn_s1_1",
		Bot:    "bot-a",
		Context: conversation.Context{
			SwarmID: "s1",
			Trigger: conversation.ScheduledTurn{Reason: "nightly"},
		},
		Strategy: "review",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !res.Success || len(res.Messages) != 1 || res.Messages[0].Content != "done" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Usage.Tokens != 42 {
		t.Errorf("expected 42 tokens, got %d", res.Usage.Tokens)
	}

	req := <-got
	if req.SwarmID != "s1" || req.TurnID != "turn_s1_1" || req.Strategy != "review" {
		t.Errorf("unexpected request: %+v", req)
	}
	if len(req.Trigger) == 0 {
		t.Error("expected trigger to be forwarded")
	}
}

func TestResponderNoResponders(t *testing.T) {
	bus := newTestBus(t)
	client := newTestClient(t, bus)

	r := NewResponder(client, time.Second)
	_, err := r.Respond(context.Background(), conversation.ResponseRequest{TurnID: "turn_s1_1", Bot: "ghost"})
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestToolRunnerRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	bot := newTestClient(t, bus)
	gateway := newTestClient(t, bus)

	_, err := bot.Subscribe(TopicBotTool("bot-a"), func(msg *nats.Msg) {
		var call conversation.ToolCall
		_ = json.Unmarshal(msg.Data, &call)
		data, _ := json.Marshal(conversation.ToolResult{
			ToolCall:    call,
			Success:     true,
			Output:      json.RawMessage(`{"files":2}`),
			CreditsUsed: 3,
		})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bot.Flush()

	runner := NewToolRunner(gateway, time.Second)
	res, err := runner.Run(context.Background(), "bot-a", conversation.ToolCall{
		ID:        "call-1",
		Name:      "ls",
		Arguments: json.RawMessage(`{"path":"/"}`),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || res.CreditsUsed != 3 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ToolCall.Name != "ls" || string(res.ToolCall.Arguments) != `{"path":"/"}` {
		t.Errorf("tool call not echoed: %+v", res.ToolCall)
	}
}
