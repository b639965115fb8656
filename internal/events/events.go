// Package events is the only channel components use to talk to each other.
// Producers publish versioned, JSON-shaped records on named topics and never
// wait for consumers; delivery is at-most-once.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every event. Consumers must ignore fields they
// don't know.
const SchemaVersion = 1

// Event is the envelope carried on every topic.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Version   int            `json:"version"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event of the given type.
func New(eventType, source string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Version:   SchemaVersion,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Decode parses an event payload. Unknown fields are ignored.
func Decode(payload []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

// Publisher emits events. Publish must not block on consumers and never
// reports delivery failures to the caller.
type Publisher interface {
	Publish(topic string, ev Event)
}

// Handler receives an event along with the concrete topic it was published on.
type Handler func(topic string, ev Event)

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a Publisher that also supports subscriptions. Patterns follow NATS
// subject rules: "*" matches one token and ">" matches the remaining tail.
type Bus interface {
	Publisher
	Subscribe(pattern string, h Handler) (Subscription, error)
}

// Discard drops everything published to it.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, Event) {}
