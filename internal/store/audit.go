package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AuditRecord is a persisted security.events or security.audit event.
type AuditRecord struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Type      string         `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Result    string         `json:"result,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditFilter narrows ListAuditEvents. Zero fields match everything.
type AuditFilter struct {
	UserID string
	Type   string
	Since  time.Time
	Limit  int
}

// SaveAuditEvent stores rec. Records are keyed by event ID, so a redelivered
// event is stored once.
func (s *Store) SaveAuditEvent(ctx context.Context, rec AuditRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode audit data: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, topic, type, user_id, operation, result, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Topic, rec.Type, rec.UserID, rec.Operation, rec.Result, string(data), rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns matching records, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, topic, type, user_id, operation, result, data, created_at FROM audit_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var data string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Type, &rec.UserID, &rec.Operation, &rec.Result, &data, &created); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, fmt.Errorf("decode audit data: %w", err)
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
