package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"swarm.resources", "swarm.resources", true},
		{"swarm.*", "swarm.resources", true},
		{"*.resources", "step.resources", true},
		{"security.>", "security.audit", true},
		{"security.>", "security", false},
		{">", "tool.approval", true},
		{"swarm.*", "swarm.resources.extra", false},
		{"swarm.resources", "run.resources", false},
		{"a.>.b", "a.x.b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.subject), "Match(%q, %q)", tt.pattern, tt.subject)
	}
}

func TestNewAndDecodeIgnoresUnknownFields(t *testing.T) {
	ev := New(TypeResourceReserved, "resources", map[string]any{"scope": "swarm:a"})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, SchemaVersion, ev.Version)

	raw, err := json.Marshal(map[string]any{
		"id":        ev.ID,
		"type":      ev.Type,
		"version":   1,
		"timestamp": ev.Timestamp,
		"data":      ev.Data,
		"futureKey": "ignored",
	})
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "swarm:a", got.Data["scope"])
}

func TestMemoryBusDelivers(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	received := make(chan Recorded, 4)
	_, err := bus.Subscribe("*.resources", func(topic string, ev Event) {
		received <- Recorded{Topic: topic, Event: ev}
	})
	require.NoError(t, err)

	bus.Publish(TopicStepResources, New(TypeResourceReserved, "test", nil))
	bus.Publish(TopicSecurity, New(TypePermissionValidation, "test", nil))

	select {
	case r := <-received:
		assert.Equal(t, TopicStepResources, r.Topic)
		assert.Equal(t, TypeResourceReserved, r.Event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case r := <-received:
		t.Fatalf("unexpected delivery on %s", r.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	release := make(chan struct{})
	_, err := bus.Subscribe(TopicAll, func(string, Event) { <-release })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TopicTurns, New(TypeTurnStarted, "test", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	close(release)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	sub, err := bus.Subscribe(TopicTurns, func(string, Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	bus.Publish(TopicTurns, New(TypeTurnStarted, "test", nil))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	var seen []string
	sub, err := rec.Subscribe("security.*", func(topic string, ev Event) {
		seen = append(seen, topic)
	})
	require.NoError(t, err)

	rec.Publish(TopicSecurity, New(TypePermissionValidation, "test", nil))
	rec.Publish(TopicSecurityAudit, New(TypeSecurityAudit, "test", nil))
	rec.Publish(TopicTurns, New(TypeTurnStarted, "test", nil))
	require.NoError(t, sub.Unsubscribe())
	rec.Publish(TopicSecurity, New(TypePermissionValidation, "test", nil))

	assert.Equal(t, []string{TopicSecurity, TopicSecurityAudit}, seen)
	assert.Len(t, rec.Events(), 4)
	assert.Equal(t, 2, rec.Count(TypePermissionValidation))

	rec.Reset()
	assert.Empty(t, rec.Events())
}
