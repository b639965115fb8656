package resources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, configs map[Tier]TierConfig) (*Manager, *events.Recorder, *fakeClock) {
	t.Helper()
	rec := events.NewRecorder()
	m := NewManager(rec, configs)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)}
	m.SetClock(clock.Now)
	return m, rec, clock
}

func assertBalanced(t *testing.T, snap Snapshot) {
	t.Helper()
	assert.Equal(t, snap.Allocated, snap.Consumed.Add(snap.Remaining).Add(snap.ReservedByChildren))
}

func TestConfigDefaults(t *testing.T) {
	swarm, err := Config(TierSwarm)
	require.NoError(t, err)
	step, err := Config(TierStep)
	require.NoError(t, err)

	assert.Equal(t, int64(100_000), swarm.DefaultLimits.Credits)
	assert.Equal(t, time.Hour.Milliseconds(), swarm.DefaultLimits.Time)
	assert.Equal(t, events.TopicSwarmResources, swarm.EventTopic)
	assert.Equal(t, int64(1_000), step.DefaultLimits.Credits)
	assert.Equal(t, int64(100), step.DefaultLimits.APICalls)
	assert.Equal(t, events.TopicStepResources, step.EventTopic)

	for _, tier := range []Tier{TierRun, TierStep} {
		inner, _ := Config(tier)
		outer, _ := Config(tier - 1)
		assert.Empty(t, inner.DefaultLimits.Exceeds(outer.DefaultLimits), "tier %s must be tighter than %s", tier, tier-1)
	}

	_, err = Config(Tier(4))
	assert.Error(t, err)
	_, err = Config(Tier(0))
	assert.Error(t, err)
}

func TestMergeConfigDoesNotMutateDefaults(t *testing.T) {
	credits := int64(5)
	burst := 3.0
	merged, err := MergeConfig(TierStep, Overrides{
		DefaultLimits: &AmountOverride{Credits: &credits},
		RateLimit:     &RateLimitOverride{BurstMultiplier: &burst},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), merged.DefaultLimits.Credits)
	assert.Equal(t, int64(10_000), merged.DefaultLimits.Tokens)
	assert.Equal(t, 3.0, merged.RateLimit.BurstMultiplier)
	assert.Equal(t, 100, merged.RateLimit.DefaultLimit)

	def, err := Config(TierStep)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), def.DefaultLimits.Credits)
	assert.Equal(t, 2.0, def.RateLimit.BurstMultiplier)
}

func TestMergeConfigRejectsInvalid(t *testing.T) {
	neg := int64(-1)
	_, err := MergeConfig(TierRun, Overrides{DefaultLimits: &AmountOverride{Tokens: &neg}})
	assert.Error(t, err)

	half := 0.5
	_, err = MergeConfig(TierRun, Overrides{RateLimit: &RateLimitOverride{BurstMultiplier: &half}})
	assert.Error(t, err)

	_, err = MergeConfig(Tier(9), Overrides{})
	assert.Error(t, err)
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"swarm": TierSwarm, "RUN": TierRun, "3": TierStep} {
		got, err := ParseTier(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTier("galaxy")
	assert.Error(t, err)
}

func TestStepCreditsScenario(t *testing.T) {
	m, rec, _ := newTestManager(t, nil)

	_, err := m.OpenSwarm("s1", nil)
	require.NoError(t, err)
	_, err = m.OpenRun("s1", "r1", nil)
	require.NoError(t, err)
	step, err := m.OpenStep("s1", "r1", "p1", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1000), step.Snapshot().Allocated.Credits)

	_, err = step.Reserve(Amount{Credits: 1200})
	require.ErrorIs(t, err, fault.ErrResourceExhausted)
	var exh *fault.ExhaustedError
	require.True(t, errors.As(err, &exh))
	assert.Equal(t, []string{DimCredits}, exh.Dimensions)
	assert.Zero(t, step.Snapshot().Consumed.Credits)
	assert.Zero(t, step.Snapshot().ReservedByChildren.Credits)

	_, err = step.Reserve(Amount{Credits: 600})
	require.NoError(t, err)
	_, err = step.Reserve(Amount{Credits: 500})
	require.ErrorIs(t, err, fault.ErrResourceExhausted)

	snap := step.Snapshot()
	assert.Equal(t, int64(400), snap.Remaining.Credits)
	assertBalanced(t, snap)
	assert.Equal(t, 2, rec.Count(events.TypeResourceExhausted))
}

func TestReservationIsAllOrNothing(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	s, err := m.OpenSwarm("s1", &Amount{Credits: 100, Tokens: 10})
	require.NoError(t, err)

	_, err = s.Reserve(Amount{Credits: 50, Tokens: 11})
	require.ErrorIs(t, err, fault.ErrResourceExhausted)

	snap := s.Snapshot()
	assert.Equal(t, Amount{Credits: 100, Tokens: 10}, snap.Remaining)
	assert.True(t, snap.ReservedByChildren.IsZero())
}

func TestConsumeAndRelease(t *testing.T) {
	m, rec, _ := newTestManager(t, nil)
	s, err := m.OpenSwarm("s1", &Amount{Credits: 100, Tokens: 1000})
	require.NoError(t, err)

	h, err := s.Reserve(Amount{Credits: 40, Tokens: 500})
	require.NoError(t, err)

	require.NoError(t, s.Consume(h, Amount{Credits: 10, Tokens: 100}))
	err = s.Consume(h, Amount{Credits: 31})
	require.ErrorIs(t, err, fault.ErrResourceExhausted)

	snap := s.Snapshot()
	assert.Equal(t, int64(10), snap.Consumed.Credits)
	assert.Equal(t, int64(30), snap.ReservedByChildren.Credits)
	assertBalanced(t, snap)

	freed, err := s.Release(h)
	require.NoError(t, err)
	assert.Equal(t, Amount{Credits: 30, Tokens: 400}, freed)

	snap = s.Snapshot()
	assert.Equal(t, int64(90), snap.Remaining.Credits)
	assert.True(t, snap.ReservedByChildren.IsZero())
	assertBalanced(t, snap)

	_, err = s.Release(h)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	assert.ErrorIs(t, s.Consume(h, Amount{Credits: 1}), fault.ErrNotFound)

	assert.Equal(t, 1, rec.Count(events.TypeResourceReleased))
	for _, r := range rec.OfType(events.TypeResourceConsumed) {
		assert.Equal(t, events.TopicSwarmResources, r.Topic)
	}
}

func TestChildCarveOutAndPropagation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	swarm, err := m.OpenSwarm("s1", nil)
	require.NoError(t, err)
	run, err := m.OpenRun("s1", "r1", nil)
	require.NoError(t, err)
	step, err := m.OpenStep("s1", "r1", "p1", nil)
	require.NoError(t, err)

	runDefaults, _ := Config(TierRun)
	stepDefaults, _ := Config(TierStep)

	snap := swarm.Snapshot()
	assert.Equal(t, runDefaults.DefaultLimits, snap.ReservedByChildren)
	assertBalanced(t, snap)
	assert.Equal(t, stepDefaults.DefaultLimits, run.Snapshot().ReservedByChildren)

	h, err := step.Reserve(Amount{Credits: 100, Tokens: 50})
	require.NoError(t, err)
	require.NoError(t, step.Consume(h, Amount{Credits: 70, Tokens: 20}))

	for _, sc := range []*Scope{swarm, run, step} {
		snap := sc.Snapshot()
		assert.Equal(t, int64(70), snap.Consumed.Credits, "scope %s", sc.Key())
		assertBalanced(t, snap)
	}

	require.NoError(t, m.Close(StepScope("s1", "r1", "p1")))
	runSnap := run.Snapshot()
	assert.True(t, runSnap.ReservedByChildren.IsZero())
	assert.Equal(t, runDefaults.DefaultLimits.Credits-70, runSnap.Remaining.Credits)
	assertBalanced(t, runSnap)

	// Siblings stay untouched when one run closes.
	other, err := m.OpenRun("s1", "r2", nil)
	require.NoError(t, err)
	require.NoError(t, m.Close(RunScope("s1", "r1")))
	assert.False(t, other.Closed())
	assertBalanced(t, swarm.Snapshot())
}

func TestChildDefaultsClampToParentRemaining(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.OpenSwarm("s1", &Amount{Credits: 500, Time: 1000, Memory: 1 << 20, Tokens: 100, APICalls: 5})
	require.NoError(t, err)

	run, err := m.OpenRun("s1", "r1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(500), run.Snapshot().Allocated.Credits)

	_, err = m.OpenRun("s1", "r2", nil)
	assert.ErrorIs(t, err, fault.ErrResourceExhausted)

	_, err = m.OpenRun("s1", "r3", &Amount{Credits: 1})
	assert.ErrorIs(t, err, fault.ErrResourceExhausted)
}

func TestCloseCascadesAndReturnsBudget(t *testing.T) {
	m, rec, _ := newTestManager(t, nil)
	swarm, err := m.OpenSwarm("s1", nil)
	require.NoError(t, err)
	_, err = m.OpenRun("s1", "r1", nil)
	require.NoError(t, err)
	step, err := m.OpenStep("s1", "r1", "p1", nil)
	require.NoError(t, err)
	h, err := step.Reserve(Amount{Credits: 10})
	require.NoError(t, err)
	require.NoError(t, step.Consume(h, Amount{Credits: 4}))

	require.NoError(t, m.Close(RunScope("s1", "r1")))
	assert.True(t, step.Closed())

	snap := swarm.Snapshot()
	assert.True(t, snap.ReservedByChildren.IsZero())
	assert.Equal(t, int64(4), snap.Consumed.Credits)
	assertBalanced(t, snap)
	assert.Equal(t, 2, rec.Count(events.TypeScopeClosed))

	_, err = step.Reserve(Amount{Credits: 1})
	assert.ErrorIs(t, err, fault.ErrConflict)

	_, err = m.OpenRun("s1", "r1", nil)
	assert.ErrorIs(t, err, fault.ErrConflict)

	require.NoError(t, m.Close(RunScope("s1", "r1")))
}

func TestOpenIsIdempotentAndRequiresParent(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	a, err := m.OpenSwarm("s1", nil)
	require.NoError(t, err)
	b, err := m.OpenSwarm("s1", nil)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = m.OpenRun("missing", "r1", nil)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = m.OpenStep("s1", "missing", "p1", nil)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = m.Snapshot(SwarmScope("missing"))
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestSweepEvictsClosedAndAbandoned(t *testing.T) {
	m, rec, clock := newTestManager(t, nil)
	_, err := m.OpenSwarm("s1", nil)
	require.NoError(t, err)
	_, err = m.OpenRun("s1", "r1", nil)
	require.NoError(t, err)
	_, err = m.OpenSwarm("s2", nil)
	require.NoError(t, err)

	require.NoError(t, m.Close(SwarmScope("s2")))
	assert.Zero(t, m.Sweep(clock.Now()))
	_, ok := m.Scope(SwarmScope("s2"))
	assert.True(t, ok, "closed scopes stay readable until cleanup")

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, m.Sweep(clock.Now()))
	_, ok = m.Scope(SwarmScope("s2"))
	assert.False(t, ok)

	// The run tier abandons after an hour of inactivity.
	clock.Advance(time.Hour)
	m.Sweep(clock.Now())
	run, ok := m.Scope(RunScope("s1", "r1"))
	require.True(t, ok)
	assert.True(t, run.Closed())
	swarm, _ := m.Scope(SwarmScope("s1"))
	assert.False(t, swarm.Closed())

	clock.Advance(2 * time.Minute)
	m.Sweep(clock.Now())
	_, ok = m.Scope(RunScope("s1", "r1"))
	assert.False(t, ok)
	assert.Positive(t, rec.Count(events.TypeScopeEvicted))
}

func TestRestoreSwarmKeepsConsumption(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	prior := Snapshot{
		Allocated: Amount{Credits: 1000, Tokens: 500},
		Consumed:  Amount{Credits: 300, Tokens: 120},
		Remaining: Amount{Credits: 700, Tokens: 380},
	}
	s, err := m.RestoreSwarm("s1", prior)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, prior.Allocated, snap.Allocated)
	assert.Equal(t, prior.Consumed, snap.Consumed)
	assert.Equal(t, prior.Remaining, snap.Remaining)
	assertBalanced(t, snap)

	h, err := s.Reserve(Amount{Credits: 200})
	require.NoError(t, err)
	require.NoError(t, s.Consume(h, Amount{Credits: 200}))
	assert.Equal(t, int64(500), s.Snapshot().Consumed.Credits)

	_, err = s.Reserve(Amount{Credits: 600})
	assert.ErrorIs(t, err, fault.ErrResourceExhausted)
}

func TestRestoreSwarmWithoutSnapshotUsesDefaults(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	s, err := m.RestoreSwarm("s1", Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, m.TierConfig(TierSwarm).DefaultLimits, s.Snapshot().Allocated)
	assert.Zero(t, s.Snapshot().Consumed)
}

func TestStartFollowsReloadedCleanupInterval(t *testing.T) {
	slow := DefaultConfigs()
	for tier, c := range slow {
		c.CleanupInterval = time.Hour
		slow[tier] = c
	}
	m, _, clock := newTestManager(t, slow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	fast := m.TierConfig(TierSwarm)
	fast.CleanupInterval = 10 * time.Millisecond
	m.UpdateConfigs(map[Tier]TierConfig{TierSwarm: fast})

	_, err := m.OpenSwarm("s1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Close(SwarmScope("s1")))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		_, ok := m.Scope(SwarmScope("s1"))
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestForgetRemovesTree(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.OpenSwarm("s1", nil)
	require.NoError(t, err)
	_, err = m.OpenRun("s1", "r1", nil)
	require.NoError(t, err)

	m.Forget(SwarmScope("s1"))
	_, ok := m.Scope(SwarmScope("s1"))
	assert.False(t, ok)
	_, ok = m.Scope(RunScope("s1", "r1"))
	assert.False(t, ok)
}

func TestReserveRateLimited(t *testing.T) {
	limit := 2
	burst := 1.0
	cfg, err := MergeConfig(TierSwarm, Overrides{RateLimit: &RateLimitOverride{DefaultLimit: &limit, BurstMultiplier: &burst}})
	require.NoError(t, err)

	m, rec, clock := newTestManager(t, map[Tier]TierConfig{TierSwarm: cfg})
	s, err := m.OpenSwarm("s1", nil)
	require.NoError(t, err)

	_, err = s.Reserve(Amount{Credits: 1})
	require.NoError(t, err)
	_, err = s.Reserve(Amount{Credits: 1})
	require.NoError(t, err)
	_, err = s.Reserve(Amount{Credits: 1})
	require.ErrorIs(t, err, fault.ErrRateLimited)
	assert.True(t, fault.Retryable(err))

	var rl *fault.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
	assert.Equal(t, 1, rec.Count(events.TypeRateLimited))

	clock.Advance(30 * time.Second)
	_, err = s.Reserve(Amount{Credits: 1})
	assert.NoError(t, err)
}

func TestConcurrentReservationsNeverOverspend(t *testing.T) {
	limit := 0
	cfg, err := MergeConfig(TierSwarm, Overrides{RateLimit: &RateLimitOverride{DefaultLimit: &limit}})
	require.NoError(t, err)
	m := NewManager(nil, map[Tier]TierConfig{TierSwarm: cfg})
	s, err := m.OpenSwarm("s1", &Amount{Credits: 1000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Reserve(Amount{Credits: 30}); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, granted)
	snap := s.Snapshot()
	assert.Equal(t, int64(990), snap.ReservedByChildren.Credits)
	assertBalanced(t, snap)
}
