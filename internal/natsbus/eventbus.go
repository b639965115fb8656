package natsbus

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/nats-io/nats.go"
)

// eventPrefix keeps engine events apart from IPC subjects on the same server.
const eventPrefix = "events."

// EventBus carries engine events over core NATS. Publish only buffers the
// message in the connection, and every subscription gets its own delivery
// goroutine, so slow subscribers are cut off by NATS slow-consumer limits
// instead of stalling publishers.
type EventBus struct {
	client *Client
}

var _ events.Bus = (*EventBus)(nil)

func NewEventBus(client *Client) *EventBus {
	return &EventBus{client: client}
}

func (b *EventBus) Publish(topic string, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("marshal event failed", "topic", topic, "type", ev.Type, "error", err)
		return
	}
	if err := b.client.Publish(eventPrefix+topic, data); err != nil {
		slog.Warn("publish event failed", "topic", topic, "type", ev.Type, "error", err)
	}
}

func (b *EventBus) Subscribe(pattern string, h events.Handler) (events.Subscription, error) {
	sub, err := b.client.Subscribe(eventPrefix+pattern, func(msg *nats.Msg) {
		ev, err := events.Decode(msg.Data)
		if err != nil {
			slog.Warn("invalid event payload", "subject", msg.Subject, "error", err)
			return
		}
		h(strings.TrimPrefix(msg.Subject, eventPrefix), ev)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Flush waits until buffered events reach the server.
func (b *EventBus) Flush() error {
	return b.client.Flush()
}
