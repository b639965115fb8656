// Package audit persists the security event stream. It applies no policy:
// every permission check and audit record seen on the bus is written as-is.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/store"
)

const writeTimeout = 5 * time.Second

// Writer is the storage the sink writes to.
type Writer interface {
	SaveAuditEvent(ctx context.Context, rec store.AuditRecord) error
}

type Sink struct {
	w    Writer
	subs []events.Subscription
}

func NewSink(w Writer) *Sink {
	return &Sink{w: w}
}

// Start subscribes to the security topics on bus.
func (s *Sink) Start(bus events.Bus) error {
	for _, topic := range []string{events.TopicSecurity, events.TopicSecurityAudit} {
		sub, err := bus.Subscribe(topic, s.handle)
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.subs = append(s.subs, sub)
	}
	slog.Info("audit sink started")
	return nil
}

func (s *Sink) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Sink) handle(topic string, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.w.SaveAuditEvent(ctx, Record(topic, ev)); err != nil {
		slog.Warn("audit event dropped", "id", ev.ID, "type", ev.Type, "error", err)
	}
}

// Record flattens an event into an audit row. SECURITY_AUDIT events are
// stored under their inner eventType.
func Record(topic string, ev events.Event) store.AuditRecord {
	rec := store.AuditRecord{
		ID:        ev.ID,
		Topic:     topic,
		Type:      ev.Type,
		UserID:    str(ev.Data, "userId"),
		Operation: str(ev.Data, "operation"),
		Data:      ev.Data,
		CreatedAt: ev.Timestamp,
	}
	if inner := str(ev.Data, "eventType"); inner != "" {
		rec.Type = inner
	}
	switch v := ev.Data["result"].(type) {
	case bool:
		rec.Result = "denied"
		if v {
			rec.Result = "allowed"
		}
	case string:
		rec.Result = v
	}
	if details, ok := ev.Data["details"].(map[string]any); ok && rec.Result == "" {
		rec.Result = str(details, "status")
	}
	return rec
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
