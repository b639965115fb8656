package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one transcript line produced during a turn.
type Message struct {
	ID        int64           `json:"id"`
	SwarmID   string          `json:"swarm_id"`
	TurnID    string          `json:"turn_id"`
	Sender    string          `json:"sender"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SaveMessages appends msgs in one transaction and fills in their IDs.
func (s *Store) SaveMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (swarm_id, turn_id, sender, role, content, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range msgs {
		var metadata any
		if len(msgs[i].Metadata) > 0 {
			metadata = string(msgs[i].Metadata)
		}
		result, err := stmt.ExecContext(ctx, msgs[i].SwarmID, msgs[i].TurnID, msgs[i].Sender, msgs[i].Role, msgs[i].Content, metadata)
		if err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		msgs[i].ID, _ = result.LastInsertId()
	}
	return tx.Commit()
}

// GetMessages returns the last limit messages of a swarm in chronological
// order.
func (s *Store) GetMessages(ctx context.Context, swarmID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, swarm_id, turn_id, sender, role, content, metadata, created_at
		FROM messages
		WHERE swarm_id = ?
		ORDER BY id DESC
		LIMIT ?`, swarmID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var metadata *string
		if err := rows.Scan(&m.ID, &m.SwarmID, &m.TurnID, &m.Sender, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if metadata != nil {
			m.Metadata = json.RawMessage(*metadata)
		}
		messages = append(messages, m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

func (s *Store) DeleteMessages(ctx context.Context, swarmID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE swarm_id = ?`, swarmID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}
