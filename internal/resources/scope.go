package resources

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
)

// Handle identifies one reservation inside a scope.
type Handle string

// ScopeKey names a scope across tiers.
type ScopeKey string

func SwarmScope(swarm ids.SwarmID) ScopeKey {
	return ScopeKey("swarm:" + string(swarm))
}

func RunScope(swarm ids.SwarmID, run ids.RunID) ScopeKey {
	return ScopeKey("run:" + string(swarm) + "/" + string(run))
}

func StepScope(swarm ids.SwarmID, run ids.RunID, step ids.StepID) ScopeKey {
	return ScopeKey("step:" + string(swarm) + "/" + string(run) + "/" + string(step))
}

type reservation struct {
	held  Amount
	used  Amount
	child *Scope
}

// Scope tracks one swarm, run or step. All mutations go through its own
// lock; a child only ever locks upward (child, then parent) when it
// propagates consumption.
type Scope struct {
	m            *Manager
	key          ScopeKey
	tier         Tier
	swarm        ids.SwarmID
	cfg          TierConfig
	parent       *Scope
	parentHandle Handle
	limiter      *RateLimiter
	lastActive   atomic.Int64

	mu           sync.Mutex
	allocated    Amount
	consumed     Amount
	reserved     Amount
	reservations map[Handle]*reservation
	children     map[ScopeKey]*Scope
	closed       bool
	closedAt     time.Time
}

func newScope(m *Manager, key ScopeKey, swarm ids.SwarmID, cfg TierConfig, parent *Scope) *Scope {
	s := &Scope{
		m:            m,
		key:          key,
		tier:         cfg.Tier,
		swarm:        swarm,
		cfg:          cfg,
		parent:       parent,
		limiter:      NewRateLimiter(cfg.RateLimit),
		reservations: make(map[Handle]*reservation),
		children:     make(map[ScopeKey]*Scope),
	}
	s.touch(m.now())
	return s
}

func (s *Scope) Key() ScopeKey         { return s.key }
func (s *Scope) Tier() Tier            { return s.tier }
func (s *Scope) SwarmID() ids.SwarmID  { return s.swarm }
func (s *Scope) Config() TierConfig    { return s.cfg }
func (s *Scope) Parent() *Scope        { return s.parent }
func (s *Scope) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// touch marks s and its ancestors as active.
func (s *Scope) touch(now time.Time) {
	for p := s; p != nil; p = p.parent {
		p.lastActive.Store(now.UnixNano())
	}
}

func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reserve atomically sets aside amount. The reservation is rejected whole
// if any dimension would push consumed + reserved above allocated.
func (s *Scope) Reserve(amount Amount) (Handle, error) {
	h, _, err := s.reserve(amount, nil, false)
	return h, err
}

func (s *Scope) reserve(amount Amount, child *Scope, clamp bool) (Handle, Amount, error) {
	if amount.negative() {
		return "", Amount{}, fmt.Errorf("reserve on %s: negative amount", s.key)
	}
	now := s.m.now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", Amount{}, fault.Conflict("scope %s is closed", s.key)
	}
	if ok, retry := s.limiter.Allow(now); !ok {
		s.mu.Unlock()
		s.m.publish(s, events.TypeRateLimited, map[string]any{
			"retryAfterMs": retry.Milliseconds(),
		})
		return "", Amount{}, &fault.RateLimitError{Scope: string(s.key), RetryAfter: retry}
	}

	var dims []string
	if clamp {
		want := amount
		amount = amount.Min(s.remainingLocked())
		dims = zeroed(amount, want)
	} else {
		dims = s.consumed.Add(s.reserved).Add(amount).Exceeds(s.allocated)
	}
	if len(dims) > 0 {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.m.publish(s, events.TypeResourceExhausted, map[string]any{
			"requested":  amount.Map(),
			"dimensions": dims,
			"snapshot":   snap.Map(),
		})
		return "", Amount{}, &fault.ExhaustedError{Scope: string(s.key), Dimensions: dims}
	}

	h := Handle(uuid.NewString())
	s.reservations[h] = &reservation{held: amount, child: child}
	s.reserved = s.reserved.Add(amount)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.touch(now)
	data := map[string]any{
		"handle":   string(h),
		"amount":   amount.Map(),
		"snapshot": snap.Map(),
	}
	if child != nil {
		data["child"] = string(child.key)
	}
	s.m.publish(s, events.TypeResourceReserved, data)
	return h, amount, nil
}

func zeroed(got, want Amount) []string {
	gv, wv := got.vec(), want.vec()
	var out []string
	for i := range gv {
		if wv[i] > 0 && gv[i] <= 0 {
			out = append(out, dimensions[i])
		}
	}
	return out
}

// Consume moves delta from the reservation into consumed. Consuming more
// than the reservation still holds is rejected without side effects.
// Consumption in a child scope is charged against its parent's carve-out
// in the same critical section.
func (s *Scope) Consume(h Handle, delta Amount) error {
	if delta.negative() {
		return fmt.Errorf("consume on %s: negative amount", s.key)
	}
	now := s.m.now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fault.Conflict("scope %s is closed", s.key)
	}
	r, ok := s.reservations[h]
	if !ok {
		s.mu.Unlock()
		return fault.NotFound("reservation %s in %s", h, s.key)
	}
	if r.child != nil {
		s.mu.Unlock()
		return fault.Conflict("reservation %s backs child scope %s", h, r.child.key)
	}
	if dims := delta.Exceeds(r.held); len(dims) > 0 {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.m.publish(s, events.TypeResourceExhausted, map[string]any{
			"handle":     string(h),
			"requested":  delta.Map(),
			"dimensions": dims,
			"snapshot":   snap.Map(),
		})
		return &fault.ExhaustedError{Scope: string(s.key), Dimensions: dims}
	}

	r.held = r.held.Sub(delta)
	r.used = r.used.Add(delta)
	s.reserved = s.reserved.Sub(delta)
	s.consumed = s.consumed.Add(delta)
	if s.parent != nil {
		s.parent.propagate(s.parentHandle, delta)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.touch(now)
	s.m.publish(s, events.TypeResourceConsumed, map[string]any{
		"handle":   string(h),
		"amount":   delta.Map(),
		"snapshot": snap.Map(),
	})
	return nil
}

// propagate charges a child's consumption to the reservation backing it.
// Called with the child's lock held.
func (s *Scope) propagate(h Handle, delta Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[h]
	if !ok {
		return
	}
	delta = delta.Min(r.held)
	r.held = r.held.Sub(delta)
	r.used = r.used.Add(delta)
	s.reserved = s.reserved.Sub(delta)
	s.consumed = s.consumed.Add(delta)
	if s.parent != nil {
		s.parent.propagate(s.parentHandle, delta)
	}
}

// Release drops a reservation and returns the unconsumed amount it held.
func (s *Scope) Release(h Handle) (Amount, error) {
	s.mu.Lock()
	r, ok := s.reservations[h]
	if !ok {
		s.mu.Unlock()
		return Amount{}, fault.NotFound("reservation %s in %s", h, s.key)
	}
	if r.child != nil {
		s.mu.Unlock()
		return Amount{}, fault.Conflict("reservation %s backs child scope %s", h, r.child.key)
	}
	freed := s.dropLocked(h, r)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.touch(s.m.now())
	s.m.publish(s, events.TypeResourceReleased, map[string]any{
		"handle":   string(h),
		"amount":   freed.Map(),
		"snapshot": snap.Map(),
	})
	return freed, nil
}

func (s *Scope) releaseChild(h Handle, child *Scope) {
	s.mu.Lock()
	r, ok := s.reservations[h]
	var freed Amount
	if ok {
		freed = s.dropLocked(h, r)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if ok {
		s.m.publish(s, events.TypeResourceReleased, map[string]any{
			"handle":   string(h),
			"child":    string(child.key),
			"amount":   freed.Map(),
			"snapshot": snap.Map(),
		})
	}
}

func (s *Scope) dropLocked(h Handle, r *reservation) Amount {
	delete(s.reservations, h)
	s.reserved = s.reserved.Sub(r.held)
	return r.held
}

// Snapshot returns the current accounting view.
func (s *Scope) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scope) snapshotLocked() Snapshot {
	return Snapshot{
		Allocated:          s.allocated,
		Consumed:           s.consumed,
		Remaining:          s.remainingLocked(),
		ReservedByChildren: s.reserved,
	}
}

func (s *Scope) remainingLocked() Amount {
	return s.allocated.Sub(s.consumed).Sub(s.reserved)
}

// Allow meters one operation against the scope's rate limiter.
func (s *Scope) Allow() error {
	if ok, retry := s.limiter.Allow(s.m.now()); !ok {
		s.m.publish(s, events.TypeRateLimited, map[string]any{
			"retryAfterMs": retry.Milliseconds(),
		})
		return &fault.RateLimitError{Scope: string(s.key), RetryAfter: retry}
	}
	return nil
}

// close closes descendants first, drops any reservations left in s and
// then hands the unconsumed part of s's allocation back to its parent.
func (s *Scope) close(reason string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.closedAt = s.m.now()
	children := make([]*Scope, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		c.close(reason)
	}

	s.mu.Lock()
	for h, r := range s.reservations {
		s.dropLocked(h, r)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.parent != nil {
		s.parent.releaseChild(s.parentHandle, s)
	}
	s.m.publish(s, events.TypeScopeClosed, map[string]any{
		"reason":   reason,
		"snapshot": snap.Map(),
	})
	return true
}

func (s *Scope) childList() []*Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Scope, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	return out
}

func (s *Scope) removeChild(key ScopeKey) {
	s.mu.Lock()
	delete(s.children, key)
	s.mu.Unlock()
}

func (s *Scope) closedSince() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closedAt
}
