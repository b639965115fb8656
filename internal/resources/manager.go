package resources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
)

const eventSource = "resources"

// Manager owns the scope trees of every swarm. The map lock is only held
// for lookups and inserts, so work on different scopes never serializes on
// it.
type Manager struct {
	bus events.Publisher
	now func() time.Time

	mu       sync.RWMutex
	configs  map[Tier]TierConfig
	scopes   map[ScopeKey]*Scope
	reloadCh chan struct{}
}

// NewManager uses the built-in tier table for tiers missing from configs.
func NewManager(bus events.Publisher, configs map[Tier]TierConfig) *Manager {
	if bus == nil {
		bus = events.Discard
	}
	merged := DefaultConfigs()
	for tier, c := range configs {
		if tier.Valid() {
			merged[tier] = c
		}
	}
	return &Manager{
		bus:     bus,
		now:     time.Now,
		configs:  merged,
		scopes:   make(map[ScopeKey]*Scope),
		reloadCh: make(chan struct{}, 1),
	}
}

// SetClock replaces the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// UpdateConfigs swaps the tier table and signals the sweep loop to reset
// its ticker. Scopes already open keep the config they were opened with.
func (m *Manager) UpdateConfigs(configs map[Tier]TierConfig) {
	m.mu.Lock()
	for tier, c := range configs {
		if tier.Valid() {
			m.configs[tier] = c
		}
	}
	m.mu.Unlock()
	select {
	case m.reloadCh <- struct{}{}:
	default:
	}
}

func (m *Manager) TierConfig(tier Tier) TierConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configs[tier]
}

// OpenSwarm opens the root scope of a swarm. A nil limits uses the swarm
// tier defaults. Opening an already open swarm returns the existing scope.
func (m *Manager) OpenSwarm(swarm ids.SwarmID, limits *Amount) (*Scope, error) {
	return m.open(SwarmScope(swarm), TierSwarm, swarm, nil, limits, Amount{})
}

// RestoreSwarm reopens a swarm scope from a persisted snapshot, keeping its
// allocation and what it consumed so far. Reservations held by children
// that no longer exist are not carried over. A zero snapshot behaves like
// OpenSwarm with tier defaults.
func (m *Manager) RestoreSwarm(swarm ids.SwarmID, prior Snapshot) (*Scope, error) {
	if prior.Allocated.IsZero() {
		return m.OpenSwarm(swarm, nil)
	}
	if prior.Consumed.negative() {
		return nil, fmt.Errorf("restore %s: negative consumption", SwarmScope(swarm))
	}
	return m.open(SwarmScope(swarm), TierSwarm, swarm, nil, &prior.Allocated, prior.Consumed.Min(prior.Allocated))
}

// OpenRun carves a run scope out of the swarm's remaining budget. With nil
// limits the run tier defaults are used, clamped to what the swarm has
// left.
func (m *Manager) OpenRun(swarm ids.SwarmID, run ids.RunID, limits *Amount) (*Scope, error) {
	parent, err := m.lookup(SwarmScope(swarm))
	if err != nil {
		return nil, err
	}
	return m.open(RunScope(swarm, run), TierRun, swarm, parent, limits, Amount{})
}

// OpenStep carves a step scope out of the run's remaining budget.
func (m *Manager) OpenStep(swarm ids.SwarmID, run ids.RunID, step ids.StepID, limits *Amount) (*Scope, error) {
	parent, err := m.lookup(RunScope(swarm, run))
	if err != nil {
		return nil, err
	}
	return m.open(StepScope(swarm, run, step), TierStep, swarm, parent, limits, Amount{})
}

// open creates a scope. consumed seeds a root scope's consumption and is
// ignored for children.
func (m *Manager) open(key ScopeKey, tier Tier, swarm ids.SwarmID, parent *Scope, limits *Amount, consumed Amount) (*Scope, error) {
	m.mu.RLock()
	existing, ok := m.scopes[key]
	cfg := m.configs[tier]
	m.mu.RUnlock()
	if ok {
		if existing.Closed() {
			return nil, fault.Conflict("scope %s is closed", key)
		}
		return existing, nil
	}

	s := newScope(m, key, swarm, cfg, parent)
	want := cfg.DefaultLimits
	if limits != nil {
		if limits.negative() {
			return nil, fmt.Errorf("open %s: negative limits", key)
		}
		want = *limits
	}

	if parent == nil {
		s.allocated = want
		s.consumed = consumed
	} else {
		h, got, err := parent.reserve(want, s, limits == nil)
		if err != nil {
			return nil, err
		}
		s.parentHandle = h
		s.allocated = got
	}

	m.mu.Lock()
	if other, ok := m.scopes[key]; ok {
		m.mu.Unlock()
		// Lost a race with a concurrent open; give the carve-out back.
		if parent != nil {
			parent.releaseChild(s.parentHandle, s)
		}
		if other.Closed() {
			return nil, fault.Conflict("scope %s is closed", key)
		}
		return other, nil
	}
	m.scopes[key] = s
	m.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.children[key] = s
		closed := parent.closed
		parent.mu.Unlock()
		if closed {
			// Parent closed while we were opening.
			s.close("parent closed")
			return nil, fault.Conflict("scope %s is closed", parent.key)
		}
	}

	m.publish(s, events.TypeScopeOpened, map[string]any{
		"allocated": s.allocated.Map(),
		"consumed":  s.consumed.Map(),
	})
	slog.Debug("resource scope opened", "scope", key, "tier", tier)
	return s, nil
}

func (m *Manager) lookup(key ScopeKey) (*Scope, error) {
	m.mu.RLock()
	s, ok := m.scopes[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fault.NotFound("scope %s", key)
	}
	return s, nil
}

// Scope returns the tracker for key, open or closed-but-not-evicted.
func (m *Manager) Scope(key ScopeKey) (*Scope, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scopes[key]
	return s, ok
}

func (m *Manager) Reserve(key ScopeKey, amount Amount) (Handle, error) {
	s, err := m.lookup(key)
	if err != nil {
		return "", err
	}
	return s.Reserve(amount)
}

func (m *Manager) Consume(key ScopeKey, h Handle, delta Amount) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	return s.Consume(h, delta)
}

func (m *Manager) Release(key ScopeKey, h Handle) (Amount, error) {
	s, err := m.lookup(key)
	if err != nil {
		return Amount{}, err
	}
	return s.Release(h)
}

func (m *Manager) Snapshot(key ScopeKey) (Snapshot, error) {
	s, err := m.lookup(key)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Allow meters one non-reservation operation against key's rate limiter.
func (m *Manager) Allow(key ScopeKey) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	return s.Allow()
}

// Close closes key and everything beneath it. Closing twice is a no-op.
func (m *Manager) Close(key ScopeKey) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	s.close("closed")
	return nil
}

// Forget closes key if needed and evicts it and its descendants right away.
func (m *Manager) Forget(key ScopeKey) {
	s, ok := m.Scope(key)
	if !ok {
		return
	}
	s.close("forgotten")
	m.evict(s)
}

func (m *Manager) evict(s *Scope) {
	for _, c := range s.childList() {
		m.evict(c)
	}
	m.mu.Lock()
	if cur, ok := m.scopes[s.key]; ok && cur == s {
		delete(m.scopes, s.key)
	}
	m.mu.Unlock()
	if s.parent != nil {
		s.parent.removeChild(s.key)
	}
	m.publish(s, events.TypeScopeEvicted, nil)
}

// Sweep closes scopes idle longer than their tier's abandon window and
// evicts closed scopes older than the cleanup interval. It returns the
// number of evicted scopes.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.RLock()
	all := make([]*Scope, 0, len(m.scopes))
	for _, s := range m.scopes {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		closed, _ := s.closedSince()
		if !closed && s.cfg.AbandonAfter > 0 && now.Sub(s.LastActive()) >= s.cfg.AbandonAfter {
			if s.close("abandoned") {
				slog.Info("resource scope abandoned", "scope", s.key, "idle", now.Sub(s.LastActive()))
			}
		}
	}

	evicted := 0
	for _, s := range all {
		closed, at := s.closedSince()
		if !closed || now.Sub(at) < s.cfg.CleanupInterval {
			continue
		}
		if _, ok := m.Scope(s.key); !ok {
			continue
		}
		m.evict(s)
		evicted++
	}
	return evicted
}

// sweepInterval is the shortest configured cleanup interval.
func (m *Manager) sweepInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	interval := time.Duration(0)
	for _, c := range m.configs {
		if c.CleanupInterval > 0 && (interval == 0 || c.CleanupInterval < interval) {
			interval = c.CleanupInterval
		}
	}
	if interval == 0 {
		interval = time.Minute
	}
	return interval
}

// Start runs Sweep on the shortest configured cleanup interval until ctx is
// cancelled. UpdateConfigs resets the ticker.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reloadCh:
			interval := m.sweepInterval()
			ticker.Reset(interval)
			slog.Debug("resource sweep interval reset", "interval", interval)
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				slog.Debug("resource sweep", "evicted", n)
			}
		}
	}
}

func (m *Manager) publish(s *Scope, eventType string, data map[string]any) {
	if data == nil {
		data = make(map[string]any, 3)
	}
	data["scope"] = string(s.key)
	data["tier"] = int(s.tier)
	data["swarmId"] = string(s.swarm)
	m.bus.Publish(s.cfg.EventTopic, events.New(eventType, eventSource, data))
}
