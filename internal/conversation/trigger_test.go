package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerRoundTrip(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	triggers := []Trigger{
		UserMessage{Message: Message{Sender: "u1", Role: RoleUser, Content: "hi", CreatedAt: at}},
		SystemEvent{Name: "deploy.finished", Data: map[string]any{"ok": true}},
		ScheduledTurn{Participants: []ids.BotID{"a", "b"}, Reason: "standup", ScheduledAt: at},
		Continuation{PriorTurn: "turn_s1_1700000000000", Reason: "follow up", Participants: []ids.BotID{"a"}},
	}
	for _, tr := range triggers {
		t.Run(string(tr.Kind()), func(t *testing.T) {
			data, err := MarshalTrigger(tr)
			require.NoError(t, err)

			var env map[string]any
			require.NoError(t, json.Unmarshal(data, &env))
			assert.Equal(t, string(tr.Kind()), env["type"])

			got, err := UnmarshalTrigger(data)
			require.NoError(t, err)
			assert.Equal(t, tr, got)
		})
	}
}

func TestUnmarshalTriggerIgnoresUnknownFields(t *testing.T) {
	got, err := UnmarshalTrigger([]byte(`{"type":"event","name":"x","extra":42}`))
	require.NoError(t, err)
	assert.Equal(t, SystemEvent{Name: "x"}, got)
}

func TestUnmarshalTriggerRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"missing type":     `{"name":"x"}`,
		"unknown type":     `{"type":"telepathy"}`,
		"not json":         `nope`,
		"event no name":    `{"type":"event"}`,
		"bad participant":  `{"type":"scheduled_turn","participants":["a.b"]}`,
		"bad prior turn":   `{"type":"continuation","priorTurnId":""}`,
		"wrong field type": `{"type":"user_message","message":"text"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalTrigger([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestParticipants(t *testing.T) {
	assert.Nil(t, Participants(UserMessage{}))
	assert.Equal(t, []ids.BotID{"x"}, Participants(ScheduledTurn{Participants: []ids.BotID{"x"}}))
	assert.Equal(t, []ids.BotID{"y"}, Participants(Continuation{Participants: []ids.BotID{"y"}}))
}

func TestToolCallArgumentsTravelAsString(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)}
	data, err := json.Marshal(call)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1","type":"function","function":{"name":"search","arguments":"{\"q\":\"go\"}"}}`, string(data))

	var back ToolCall
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, call, back)
}

func TestToolCallAcceptsObjectArguments(t *testing.T) {
	var call ToolCall
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c2","function":{"name":"calc","arguments":{"x":1}}}`), &call))
	assert.Equal(t, "calc", call.Name)
	assert.JSONEq(t, `{"x":1}`, string(call.Arguments))
}

func TestToolCallRejectsInvalidStringArguments(t *testing.T) {
	var call ToolCall
	err := json.Unmarshal([]byte(`{"id":"c3","function":{"name":"calc","arguments":"{broken"}}`), &call)
	assert.Error(t, err)
}

func TestToolResultDurationInMillis(t *testing.T) {
	r := ToolResult{ToolCall: ToolCall{ID: "c1", Name: "x"}, Success: true, ExecutionTime: 1500 * time.Millisecond, CreditsUsed: 3}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(1500), raw["executionTimeMs"])

	var back ToolResult
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 1500*time.Millisecond, back.ExecutionTime)
	assert.Equal(t, "c1", back.ToolCall.ID)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("adaptive")
	require.NoError(t, err)
	assert.Equal(t, ModeAdaptive, m)
	_, err = ParseMode("random")
	assert.Error(t, err)
}
