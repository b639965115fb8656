// Package conversation holds the turn contracts: what starts a turn, what a
// turn is asked to do, and what it produced. The Executor runs one turn over
// a set of participants.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/tierflow/internal/ids"
)

type TriggerKind string

const (
	KindUserMessage   TriggerKind = "user_message"
	KindEvent         TriggerKind = "event"
	KindScheduledTurn TriggerKind = "scheduled_turn"
	KindContinuation  TriggerKind = "continuation"
)

// Trigger is one of UserMessage, SystemEvent, ScheduledTurn or Continuation.
type Trigger interface {
	Kind() TriggerKind
}

type UserMessage struct {
	Message Message `json:"message"`
}

type SystemEvent struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

type ScheduledTurn struct {
	Participants []ids.BotID `json:"participants"`
	Reason       string      `json:"reason"`
	ScheduledAt  time.Time   `json:"scheduledAt"`
}

type Continuation struct {
	PriorTurn    ids.TurnID  `json:"priorTurnId"`
	Reason       string      `json:"reason"`
	Participants []ids.BotID `json:"participants,omitempty"`
}

func (UserMessage) Kind() TriggerKind   { return KindUserMessage }
func (SystemEvent) Kind() TriggerKind   { return KindEvent }
func (ScheduledTurn) Kind() TriggerKind { return KindScheduledTurn }
func (Continuation) Kind() TriggerKind  { return KindContinuation }

// Participants returns the participant list a trigger names explicitly, or
// nil when the coordinator has to pick.
func Participants(t Trigger) []ids.BotID {
	switch t := t.(type) {
	case ScheduledTurn:
		return t.Participants
	case Continuation:
		return t.Participants
	default:
		return nil
	}
}

// MarshalTrigger encodes t as {"type": "<kind>", ...fields}.
func MarshalTrigger(t Trigger) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("nil trigger")
	}
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(t.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// UnmarshalTrigger decodes the envelope written by MarshalTrigger. Unknown
// fields are ignored; unknown kinds are rejected.
func UnmarshalTrigger(data []byte) (Trigger, error) {
	var head struct {
		Type TriggerKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}

	var (
		t   Trigger
		err error
	)
	switch head.Type {
	case KindUserMessage:
		var v UserMessage
		err = json.Unmarshal(data, &v)
		t = v
	case KindEvent:
		var v SystemEvent
		err = json.Unmarshal(data, &v)
		if err == nil && v.Name == "" {
			err = fmt.Errorf("event trigger without name")
		}
		t = v
	case KindScheduledTurn:
		var v ScheduledTurn
		err = json.Unmarshal(data, &v)
		if err == nil {
			err = validBots(v.Participants)
		}
		t = v
	case KindContinuation:
		var v Continuation
		err = json.Unmarshal(data, &v)
		if err == nil {
			_, err = ids.ParseTurnID(string(v.PriorTurn))
		}
		if err == nil {
			err = validBots(v.Participants)
		}
		t = v
	case "":
		return nil, fmt.Errorf("trigger type missing")
	default:
		return nil, fmt.Errorf("unknown trigger type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s trigger: %w", head.Type, err)
	}
	return t, nil
}

func validBots(bots []ids.BotID) error {
	for _, b := range bots {
		if _, err := ids.ParseBotID(string(b)); err != nil {
			return err
		}
	}
	return nil
}
