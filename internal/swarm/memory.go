package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
)

// MemoryStore is the single-process Store. Each swarm has its own lock, so
// updates to different swarms proceed in parallel.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[ids.SwarmID]*memEntry
	now     func() time.Time
}

type memEntry struct {
	mu      sync.Mutex
	swarm   *Swarm
	deleted bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[ids.SwarmID]*memEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateSwarm(_ context.Context, id ids.SwarmID, s *Swarm) error {
	c, err := Prepare(id, s, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return fault.Conflict("swarm %s already exists", id)
	}
	m.entries[id] = &memEntry{swarm: c}
	return nil
}

func (m *MemoryStore) entry(id ids.SwarmID) *memEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

func (m *MemoryStore) GetSwarm(_ context.Context, id ids.SwarmID) (*Swarm, error) {
	e := m.entry(id)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, nil
	}
	return e.swarm.Clone(), nil
}

func (m *MemoryStore) UpdateSwarm(_ context.Context, id ids.SwarmID, u Update) (*Swarm, error) {
	e := m.entry(id)
	if e == nil {
		return nil, fault.NotFound("swarm %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fault.NotFound("swarm %s", id)
	}
	next := e.swarm.Clone()
	if err := Apply(next, u, m.now()); err != nil {
		return nil, err
	}
	e.swarm = next
	return next.Clone(), nil
}

func (m *MemoryStore) DeleteSwarm(_ context.Context, id ids.SwarmID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if ok {
		// A writer holding the old entry must not resurrect it.
		e.mu.Lock()
		e.deleted = true
		e.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) GetSwarmState(ctx context.Context, id ids.SwarmID) (State, error) {
	s, err := m.GetSwarm(ctx, id)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", fault.NotFound("swarm %s", id)
	}
	return s.State, nil
}

func (m *MemoryStore) UpdateSwarmState(ctx context.Context, id ids.SwarmID, state State) (*Swarm, error) {
	return m.UpdateSwarm(ctx, id, Update{State: &state})
}

func (m *MemoryStore) GetTeam(ctx context.Context, id ids.SwarmID) (*TeamFormation, error) {
	s, err := m.GetSwarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fault.NotFound("swarm %s", id)
	}
	return &s.Team, nil
}

func (m *MemoryStore) UpdateTeam(ctx context.Context, id ids.SwarmID, team TeamFormation) (*Swarm, error) {
	return m.UpdateSwarm(ctx, id, Update{Team: &team})
}

func (m *MemoryStore) ListActiveSwarms(_ context.Context) ([]*Swarm, error) {
	return m.filter(func(s *Swarm) bool { return !s.State.Terminal() }), nil
}

func (m *MemoryStore) GetSwarmsByState(_ context.Context, state State) ([]*Swarm, error) {
	return m.filter(func(s *Swarm) bool { return s.State == state }), nil
}

func (m *MemoryStore) GetSwarmsByUser(_ context.Context, userID string) ([]*Swarm, error) {
	return m.filter(func(s *Swarm) bool { return s.Metadata.UserID == userID }), nil
}

func (m *MemoryStore) filter(keep func(*Swarm) bool) []*Swarm {
	m.mu.RLock()
	entries := make([]*memEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*Swarm
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && keep(e.swarm) {
			out = append(out, e.swarm.Clone())
		}
		e.mu.Unlock()
	}
	SortSwarms(out)
	return out
}
