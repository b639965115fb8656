package swarm

import (
	"context"
	"slices"
	"strings"

	"github.com/mtzanidakis/tierflow/internal/ids"
)

// Store persists swarms. Implementations return copies: mutating a value
// obtained from a Store never changes stored state.
//
// GetSwarm returns (nil, nil) for an unknown id. UpdateSwarm and the
// wrappers built on it return a not-found error instead. DeleteSwarm is
// idempotent.
type Store interface {
	CreateSwarm(ctx context.Context, id ids.SwarmID, s *Swarm) error
	GetSwarm(ctx context.Context, id ids.SwarmID) (*Swarm, error)
	UpdateSwarm(ctx context.Context, id ids.SwarmID, u Update) (*Swarm, error)
	DeleteSwarm(ctx context.Context, id ids.SwarmID) error

	GetSwarmState(ctx context.Context, id ids.SwarmID) (State, error)
	UpdateSwarmState(ctx context.Context, id ids.SwarmID, state State) (*Swarm, error)
	GetTeam(ctx context.Context, id ids.SwarmID) (*TeamFormation, error)
	UpdateTeam(ctx context.Context, id ids.SwarmID, team TeamFormation) (*Swarm, error)

	ListActiveSwarms(ctx context.Context) ([]*Swarm, error)
	GetSwarmsByState(ctx context.Context, state State) ([]*Swarm, error)
	GetSwarmsByUser(ctx context.Context, userID string) ([]*Swarm, error)
}

// SortSwarms orders by creation time, then id.
func SortSwarms(list []*Swarm) {
	slices.SortFunc(list, func(a, b *Swarm) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
}
