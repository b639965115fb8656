package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/ids"
)

type messageMeta struct {
	ToolCalls []conversation.ToolCall `json:"toolCalls,omitempty"`
}

// SaveTurn appends the messages of a turn to the swarm transcript.
func (s *Store) SaveTurn(ctx context.Context, swarmID ids.SwarmID, turnID ids.TurnID, msgs []conversation.Message) error {
	rows := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		row := Message{
			SwarmID: string(swarmID),
			TurnID:  string(turnID),
			Sender:  m.Sender,
			Role:    string(m.Role),
			Content: m.Content,
		}
		if len(m.ToolCalls) > 0 {
			meta, err := json.Marshal(messageMeta{ToolCalls: m.ToolCalls})
			if err != nil {
				return fmt.Errorf("encode message metadata: %w", err)
			}
			row.Metadata = meta
		}
		rows = append(rows, row)
	}
	return s.SaveMessages(ctx, rows)
}

// History returns the last limit transcript messages of a swarm, oldest first.
func (s *Store) History(ctx context.Context, swarmID ids.SwarmID, limit int) ([]conversation.Message, error) {
	rows, err := s.GetMessages(ctx, string(swarmID), limit)
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Message, 0, len(rows))
	for _, r := range rows {
		m := conversation.Message{
			Sender:    r.Sender,
			Role:      conversation.Role(r.Role),
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		}
		if len(r.Metadata) > 0 {
			var meta messageMeta
			if err := json.Unmarshal(r.Metadata, &meta); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
			m.ToolCalls = meta.ToolCalls
		}
		out = append(out, m)
	}
	return out, nil
}

// PurgeSwarm drops the transcript and schedules of a swarm.
func (s *Store) PurgeSwarm(ctx context.Context, swarmID ids.SwarmID) error {
	if err := s.DeleteMessages(ctx, string(swarmID)); err != nil {
		return err
	}
	return s.DeleteScheduledTurnsForSwarm(ctx, string(swarmID))
}
