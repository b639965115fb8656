package ids

import (
	"strings"
	"testing"
	"time"
)

func TestParseSwarmID(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"swarm-1", false},
		{"0b7c6f1e-2a4d-4e3b-9a51-3c1f0e2d4b6a", false},
		{"with_underscore", false},
		{"", true},
		{"has.dot", true},
		{"has space", true},
		{"star*", true},
		{strings.Repeat("a", MaxLen), false},
		{strings.Repeat("a", MaxLen+1), true},
	}
	for _, tt := range tests {
		_, err := ParseSwarmID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSwarmID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestParseBotIDs(t *testing.T) {
	got, err := ParseBotIDs([]string{"planner", "coder"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "planner" || got[1] != "coder" {
		t.Errorf("unexpected bots: %v", got)
	}

	if _, err := ParseBotIDs([]string{"ok", "not ok"}); err == nil {
		t.Error("expected error for invalid bot id")
	}
}

func TestNewTurnID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	id := NewTurnID("swarm_a-1", at)
	if id != "turn_swarm_a-1_1700000000123" {
		t.Fatalf("unexpected turn id %s", id)
	}

	swarm, ok := id.SwarmID()
	if !ok {
		t.Fatal("expected derived turn id to carry its swarm")
	}
	if swarm != "swarm_a-1" {
		t.Errorf("expected swarm_a-1, got %s", swarm)
	}
}

func TestTurnIDSwarmIDExternal(t *testing.T) {
	for _, raw := range []string{"external-turn", "turn_", "turn_abc", "turn_abc_notanumber"} {
		if _, ok := TurnID(raw).SwarmID(); ok {
			t.Errorf("expected %q to have no derivable swarm", raw)
		}
	}
}
