package ipc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/config"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/engine"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/natsbus"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/store"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

type fixture struct {
	handler   *Handler
	engine    *engine.Engine
	store     *store.Store
	approvals *approval.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rec := events.NewRecorder()
	validator := security.NewValidator(rec)
	approvals := approval.NewService(rec, time.Minute, time.Hour)
	eng := engine.New(engine.Deps{
		Store:     s,
		Resources: resources.NewManager(rec, nil),
		Validator: validator,
		Approvals: approvals,
		Responder: conversation.ResponderFunc(func(context.Context, conversation.ResponseRequest) (conversation.ResponseResult, error) {
			return conversation.ResponseResult{Success: true}, nil
		}),
		Transcript: s,
		Bus:        rec,
	}, engine.Config{})

	return &fixture{
		handler:   NewHandler(eng, approvals, s, validator),
		engine:    eng,
		store:     s,
		approvals: approvals,
	}
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	resp := f.handler.Handle(context.Background(), Command{Type: "bogus"})
	if resp["error"] != "unknown command: bogus" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.handler.Handle(ctx, Command{Type: "create_schedule", Payload: payload(t, map[string]any{
		"swarmId":      "s1",
		"name":         "nightly",
		"schedule":     "0 2 * * *",
		"participants": []string{"bot-a"},
	})})
	if resp["ok"] != true {
		t.Fatalf("create failed: %v", resp)
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatal("expected schedule id")
	}

	saved, err := f.store.GetScheduledTurn(ctx, id)
	if err != nil || saved == nil {
		t.Fatalf("schedule not stored: %v", err)
	}
	if saved.UserID != defaultUser {
		t.Errorf("expected owner %q, got %q", defaultUser, saved.UserID)
	}
	if saved.NextRunAt == nil {
		t.Error("expected next run to be set")
	}

	resp = f.handler.Handle(ctx, Command{Type: "list_schedules", Payload: payload(t, map[string]any{"swarmId": "s1"})})
	list, ok := resp["schedules"].([]scheduleEntry)
	if !ok || len(list) != 1 {
		t.Fatalf("expected 1 schedule, got %v", resp)
	}
	if list[0].Name != "nightly" {
		t.Errorf("expected name nightly, got %q", list[0].Name)
	}

	resp = f.handler.Handle(ctx, Command{Type: "delete_schedule", Payload: payload(t, map[string]any{"id": id})})
	if resp["ok"] != true {
		t.Fatalf("delete failed: %v", resp)
	}
	if saved, _ := f.store.GetScheduledTurn(ctx, id); saved != nil {
		t.Error("expected schedule to be deleted")
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"swarmId": "s1", "schedule": "every 1h"}},
		{"bad schedule", map[string]any{"swarmId": "s1", "name": "x", "schedule": "whenever"}},
		{"bad participant", map[string]any{"swarmId": "s1", "name": "x", "schedule": "every 1h", "participants": []string{"a.b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.handler.Handle(ctx, Command{Type: "create_schedule", Payload: payload(t, tt.body)})
			if _, ok := resp["error"]; !ok {
				t.Errorf("expected error, got %v", resp)
			}
		})
	}
}

func TestListAndCancelSwarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := security.NewContext("alice", "team-1", []string{security.PermSwarmExecute, security.PermSwarmRead}, security.OriginHTTP, resources.TierSwarm, "test")
	if _, err := f.engine.CreateSwarm(ctx, owner, "s1", swarm.TeamFormation{Leader: "bot-a"}, swarm.Metadata{Name: "demo"}, nil); err != nil {
		t.Fatalf("create swarm: %v", err)
	}

	resp := f.handler.Handle(ctx, Command{Type: "list_swarms", Payload: payload(t, map[string]any{"user": "alice"})})
	list, ok := resp["swarms"].([]*swarm.Swarm)
	if !ok || len(list) != 1 {
		t.Fatalf("expected 1 swarm, got %v", resp)
	}

	resp = f.handler.Handle(ctx, Command{Type: "cancel_swarm", Payload: payload(t, map[string]any{"id": "s1", "reason": "ops"})})
	if resp["ok"] != true {
		t.Fatalf("cancel failed: %v", resp)
	}
	sw, _ := f.store.GetSwarm(ctx, "s1")
	if sw.State != swarm.StateTerminated {
		t.Errorf("expected TERMINATED, got %s", sw.State)
	}

	resp = f.handler.Handle(ctx, Command{Type: "cancel_swarm", Payload: payload(t, map[string]any{"id": "s1"})})
	if resp["code"] != "conflict" {
		t.Errorf("expected conflict, got %v", resp)
	}

	resp = f.handler.Handle(ctx, Command{Type: "stop_swarm", Payload: payload(t, map[string]any{"id": "missing"})})
	if resp["code"] != "not_found" {
		t.Errorf("expected not_found, got %v", resp)
	}
}

func TestRespondApproval(t *testing.T) {
	f := newFixture(t)
	p, done, err := f.approvals.Request(approval.Request{
		SwarmID:    "s1",
		ChatID:     "s1",
		ToolCallID: "call-1",
		ToolName:   "shell",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	resp := f.handler.Handle(context.Background(), Command{Type: "list_approvals"})
	if list, ok := resp["approvals"].([]approval.Pending); !ok || len(list) != 1 {
		t.Fatalf("expected 1 pending approval, got %v", resp)
	}

	resp = f.handler.Handle(context.Background(), Command{Type: "respond_approval", User: "bob", Payload: payload(t, map[string]any{
		"conversationId": "s1",
		"pendingId":      p.PendingID,
		"approved":       true,
	})})
	if resp["ok"] != true {
		t.Fatalf("respond failed: %v", resp)
	}

	select {
	case r := <-done:
		if r.Status != approval.StatusApproved || r.ApprovedBy != "bob" {
			t.Errorf("unexpected result: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("approval was not resolved")
	}

	resp = f.handler.Handle(context.Background(), Command{Type: "respond_approval", Payload: payload(t, map[string]any{
		"conversationId": "s1",
	})})
	if _, ok := resp["error"]; !ok {
		t.Errorf("expected error for missing pendingId, got %v", resp)
	}
}

func TestHandlerOverNATS(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(client.Close)

	f := newFixture(t)
	if err := f.handler.Start(client, "test"); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(f.handler.Stop)

	reply, err := client.Request(natsbus.TopicIPC("test"), []byte(`{"type":"list_approvals"}`), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["ok"] != true {
		t.Errorf("expected ok, got %v", resp)
	}

	reply, err = client.Request(natsbus.TopicIPC("test"), []byte(`not json`), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply.Data) != `{"error":"invalid command"}` {
		t.Errorf("unexpected reply: %s", reply.Data)
	}
}
