package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/tierflow/internal/config"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSinkPersistsSecurityEvents(t *testing.T) {
	st := newTestStore(t)
	bus := events.NewRecorder()
	sink := NewSink(st)
	if err := sink.Start(bus); err != nil {
		t.Fatal(err)
	}
	defer sink.Stop()

	v := security.NewValidator(bus)
	sec := security.NewContext("alice", "team-1", []string{security.PermSwarmRead}, security.OriginHTTP, resources.TierSwarm, "test")
	v.ValidatePermissions(sec, []string{security.PermSwarmRead}, "swarm:read")
	v.ValidatePermissions(sec, []string{security.PermSwarmManage}, "swarm:purge")
	v.RecordSecurityEvent(sec, "SWARM_CANCELLED", map[string]any{"swarmId": "s1"})

	// Not a security topic.
	bus.Publish(events.TopicSwarmLifecycle, events.New(events.TypeSwarmCreated, "test", map[string]any{"userId": "alice"}))

	recs, err := st.ListAuditEvents(context.Background(), store.AuditFilter{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(recs))
	}

	results := map[string]int{}
	for _, r := range recs {
		results[r.Type+"/"+r.Result]++
	}
	if results["PERMISSION_VALIDATION/allowed"] != 1 || results["PERMISSION_VALIDATION/denied"] != 1 {
		t.Errorf("unexpected validation records: %v", results)
	}
	if results["SWARM_CANCELLED/"] != 1 {
		t.Errorf("audit record not stored under inner type: %v", results)
	}

	sink.Stop()
	v.ValidatePermissions(sec, nil, "after-stop")
	recs, _ = st.ListAuditEvents(context.Background(), store.AuditFilter{})
	if len(recs) != 3 {
		t.Errorf("sink still writing after Stop: %d records", len(recs))
	}
}

func TestRecord(t *testing.T) {
	ev := events.New(events.TypeSecurityAudit, "engine", map[string]any{
		"eventType": "TOOL_APPROVAL_DECISION",
		"userId":    "bob",
		"operation": "trigger:user_message",
		"details":   map[string]any{"status": "APPROVED"},
	})
	rec := Record(events.TopicSecurityAudit, ev)

	if rec.ID != ev.ID || rec.Topic != events.TopicSecurityAudit {
		t.Errorf("id/topic = %q/%q", rec.ID, rec.Topic)
	}
	if rec.Type != "TOOL_APPROVAL_DECISION" {
		t.Errorf("type = %q", rec.Type)
	}
	if rec.UserID != "bob" || rec.Operation != "trigger:user_message" {
		t.Errorf("user/operation = %q/%q", rec.UserID, rec.Operation)
	}
	if rec.Result != "APPROVED" {
		t.Errorf("result = %q, want APPROVED", rec.Result)
	}
	if !rec.CreatedAt.Equal(ev.Timestamp) {
		t.Errorf("created_at = %v, want %v", rec.CreatedAt, ev.Timestamp)
	}
}
