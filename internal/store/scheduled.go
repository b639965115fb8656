package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ScheduledTurn fires a scheduled_turn trigger into a swarm.
type ScheduledTurn struct {
	ID           string     `json:"id"`
	SwarmID      string     `json:"swarm_id"`
	UserID       string     `json:"user_id"`
	TeamID       string     `json:"team_id,omitempty"`
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Participants []string   `json:"participants"`
	Reason       string     `json:"reason,omitempty"`
	Status       string     `json:"status"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const scheduledColumns = `id, swarm_id, user_id, team_id, name, schedule, participants, reason, status,
	next_run_at, last_run_at, last_status, last_error, created_at`

func scanScheduled(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledTurn, error) {
	t := &ScheduledTurn{}
	var participants string
	var lastStatus, lastError *string
	err := scanner.Scan(&t.ID, &t.SwarmID, &t.UserID, &t.TeamID, &t.Name, &t.Schedule, &participants, &t.Reason, &t.Status,
		&t.NextRunAt, &t.LastRunAt, &lastStatus, &lastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &t.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if lastStatus != nil {
		t.LastStatus = *lastStatus
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	return t, nil
}

func (s *Store) SaveScheduledTurn(ctx context.Context, t *ScheduledTurn) error {
	if t.Participants == nil {
		t.Participants = []string{}
	}
	participants, err := json.Marshal(t.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	if t.Status == "" {
		t.Status = "active"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_turns (id, swarm_id, user_id, team_id, name, schedule, participants, reason, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			participants = excluded.participants,
			reason = excluded.reason,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		t.ID, t.SwarmID, t.UserID, t.TeamID, t.Name, t.Schedule, string(participants), t.Reason, t.Status, utcPtr(t.NextRunAt))
	if err != nil {
		return fmt.Errorf("save scheduled turn: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledTurn(ctx context.Context, id string) (*ScheduledTurn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_turns WHERE id = ?`, id)
	t, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled turn: %w", err)
	}
	return t, nil
}

func (s *Store) ListScheduledTurns(ctx context.Context) ([]ScheduledTurn, error) {
	return s.queryScheduled(ctx, `ORDER BY created_at, id`)
}

func (s *Store) ListScheduledTurnsForSwarm(ctx context.Context, swarmID string) ([]ScheduledTurn, error) {
	return s.queryScheduled(ctx, `WHERE swarm_id = ? ORDER BY created_at, id`, swarmID)
}

func (s *Store) GetDueScheduledTurns(ctx context.Context, now time.Time) ([]ScheduledTurn, error) {
	return s.queryScheduled(ctx, `WHERE status = 'active' AND next_run_at <= ? ORDER BY next_run_at`, now.UTC())
}

func (s *Store) queryScheduled(ctx context.Context, tail string, args ...any) ([]ScheduledTurn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_turns `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled turns: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTurn
	for rows.Next() {
		t, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled turn: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduledTurnRun(ctx context.Context, id, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_turns
		SET last_run_at = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, s.now(), lastStatus, lastError, utcPtr(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update scheduled turn run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduledTurnStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_turns SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update scheduled turn status: %w", err)
	}
	return nil
}

func (s *Store) DeleteScheduledTurn(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_turns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled turn: %w", err)
	}
	return nil
}

// DeleteScheduledTurnsForSwarm removes every schedule of a purged swarm.
func (s *Store) DeleteScheduledTurnsForSwarm(ctx context.Context, swarmID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_turns WHERE swarm_id = ?`, swarmID)
	if err != nil {
		return fmt.Errorf("delete scheduled turns: %w", err)
	}
	return nil
}

// utcPtr normalizes stored times so text comparisons in SQL order correctly.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
