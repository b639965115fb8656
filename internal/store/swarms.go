package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

var _ swarm.Store = (*Store)(nil)

// maxUpdateAttempts bounds the optimistic retry loop in UpdateSwarm.
const maxUpdateAttempts = 16

const swarmColumns = `id, state, team, resources, metrics, metadata, created_at, updated_at, version`

type swarmRow struct {
	swarm   *swarm.Swarm
	version int64
}

func scanSwarm(scanner interface {
	Scan(dest ...any) error
}) (*swarmRow, error) {
	var (
		id, state                          string
		team, resources, metrics, metadata string
		created, updated, version          int64
	)
	if err := scanner.Scan(&id, &state, &team, &resources, &metrics, &metadata, &created, &updated, &version); err != nil {
		return nil, err
	}

	sw := &swarm.Swarm{
		ID:        ids.SwarmID(id),
		State:     swarm.State(state),
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}
	for _, f := range []struct {
		raw string
		dst any
	}{
		{team, &sw.Team},
		{resources, &sw.Resources},
		{metrics, &sw.Metrics},
		{metadata, &sw.Metadata},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode swarm %s: %w", id, err)
		}
	}
	return &swarmRow{swarm: sw, version: version}, nil
}

type swarmJSON struct {
	team, resources, metrics, metadata []byte
}

func encodeSwarm(sw *swarm.Swarm) (swarmJSON, error) {
	var out swarmJSON
	var err error
	if out.team, err = json.Marshal(sw.Team); err != nil {
		return out, err
	}
	if out.resources, err = json.Marshal(sw.Resources); err != nil {
		return out, err
	}
	if out.metrics, err = json.Marshal(sw.Metrics); err != nil {
		return out, err
	}
	if out.metadata, err = json.Marshal(sw.Metadata); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Store) CreateSwarm(ctx context.Context, id ids.SwarmID, in *swarm.Swarm) error {
	sw, err := swarm.Prepare(id, in, s.now())
	if err != nil {
		return err
	}
	enc, err := encodeSwarm(sw)
	if err != nil {
		return fmt.Errorf("encode swarm: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO swarms (id, state, user_id, team, resources, metrics, metadata, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO NOTHING`,
		string(sw.ID), string(sw.State), sw.Metadata.UserID,
		string(enc.team), string(enc.resources), string(enc.metrics), string(enc.metadata),
		sw.CreatedAt.UnixNano(), sw.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create swarm: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Conflict("swarm %s already exists", id)
	}
	return nil
}

func (s *Store) getRow(ctx context.Context, id ids.SwarmID) (*swarmRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, string(id))
	r, err := scanSwarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return r, nil
}

func (s *Store) GetSwarm(ctx context.Context, id ids.SwarmID) (*swarm.Swarm, error) {
	r, err := s.getRow(ctx, id)
	if err != nil || r == nil {
		return nil, err
	}
	return r.swarm, nil
}

// UpdateSwarm applies u with optimistic concurrency: the row is rewritten
// only if its version is unchanged since it was read, otherwise the update
// is recomputed against the fresh row.
func (s *Store) UpdateSwarm(ctx context.Context, id ids.SwarmID, u swarm.Update) (*swarm.Swarm, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		r, err := s.getRow(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, fault.NotFound("swarm %s", id)
		}

		sw := r.swarm
		if err := swarm.Apply(sw, u, s.now()); err != nil {
			return nil, err
		}
		enc, err := encodeSwarm(sw)
		if err != nil {
			return nil, fmt.Errorf("encode swarm: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE swarms
			SET state = ?, user_id = ?, team = ?, resources = ?, metrics = ?, metadata = ?,
			    updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			string(sw.State), sw.Metadata.UserID,
			string(enc.team), string(enc.resources), string(enc.metrics), string(enc.metadata),
			sw.UpdatedAt.UnixNano(), string(id), r.version)
		if err != nil {
			return nil, fmt.Errorf("update swarm: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return sw, nil
		}
	}
	return nil, fault.Conflict("swarm %s: too many concurrent updates", id)
}

func (s *Store) DeleteSwarm(ctx context.Context, id ids.SwarmID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM swarms WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarmState(ctx context.Context, id ids.SwarmID) (swarm.State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM swarms WHERE id = ?`, string(id)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fault.NotFound("swarm %s", id)
	}
	if err != nil {
		return "", fmt.Errorf("get swarm state: %w", err)
	}
	return swarm.State(state), nil
}

func (s *Store) UpdateSwarmState(ctx context.Context, id ids.SwarmID, state swarm.State) (*swarm.Swarm, error) {
	return s.UpdateSwarm(ctx, id, swarm.Update{State: &state})
}

func (s *Store) GetTeam(ctx context.Context, id ids.SwarmID) (*swarm.TeamFormation, error) {
	sw, err := s.GetSwarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		return nil, fault.NotFound("swarm %s", id)
	}
	return &sw.Team, nil
}

func (s *Store) UpdateTeam(ctx context.Context, id ids.SwarmID, team swarm.TeamFormation) (*swarm.Swarm, error) {
	return s.UpdateSwarm(ctx, id, swarm.Update{Team: &team})
}

func (s *Store) ListActiveSwarms(ctx context.Context) ([]*swarm.Swarm, error) {
	return s.querySwarms(ctx, `WHERE state NOT IN (?, ?, ?)`,
		string(swarm.StateStopped), string(swarm.StateFailed), string(swarm.StateTerminated))
}

func (s *Store) GetSwarmsByState(ctx context.Context, state swarm.State) ([]*swarm.Swarm, error) {
	return s.querySwarms(ctx, `WHERE state = ?`, string(state))
}

func (s *Store) GetSwarmsByUser(ctx context.Context, userID string) ([]*swarm.Swarm, error) {
	return s.querySwarms(ctx, `WHERE user_id = ?`, userID)
}

// ListSwarms returns every stored swarm.
func (s *Store) ListSwarms(ctx context.Context) ([]*swarm.Swarm, error) {
	return s.querySwarms(ctx, ``)
}

func (s *Store) querySwarms(ctx context.Context, where string, args ...any) ([]*swarm.Swarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+swarmColumns+` FROM swarms `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var out []*swarm.Swarm
	for rows.Next() {
		r, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		out = append(out, r.swarm)
	}
	return out, rows.Err()
}
