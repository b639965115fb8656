// Package swarmtest runs the behaviour every swarm.Store must share against
// a concrete implementation.
package swarmtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample returns a fully populated swarm owned by user.
func Sample(id ids.SwarmID, user string) *swarm.Swarm {
	return &swarm.Swarm{
		ID:    id,
		State: swarm.StateUninitialized,
		Team: swarm.TeamFormation{
			Leader:         "lead",
			SubtaskLeaders: map[string]ids.BotID{"research": "bot-r"},
			Members:        []ids.BotID{"lead", "bot-r", "bot-w"},
		},
		Resources: resources.Snapshot{
			Allocated: resources.Amount{Credits: 100},
			Remaining: resources.Amount{Credits: 100},
		},
		Metrics:  swarm.Metrics{TasksCompleted: 1, AvgTaskDurationMs: 20},
		Metadata: swarm.Metadata{UserID: user, TeamID: "team-1", Name: "demo", Labels: map[string]string{"env": "test"}},
	}
}

// Run exercises store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) swarm.Store) {
	t.Run("CreateThenGet", func(t *testing.T) { createThenGet(t, newStore(t)) })
	t.Run("EmptyCollections", func(t *testing.T) { emptyCollections(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { createDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { getMissing(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { updateMissing(t, newStore(t)) })
	t.Run("UpdateMerges", func(t *testing.T) { updateMerges(t, newStore(t)) })
	t.Run("TerminalStatesReject", func(t *testing.T) { terminalStatesReject(t, newStore(t)) })
	t.Run("NoAliasing", func(t *testing.T) { noAliasing(t, newStore(t)) })
	t.Run("Queries", func(t *testing.T) { queries(t, newStore(t)) })
	t.Run("Team", func(t *testing.T) { team(t, newStore(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { concurrentUpdates(t, newStore(t)) })
}

func createThenGet(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	in := Sample("s1", "u1")
	before := time.Now().Add(-time.Second)
	require.NoError(t, st.CreateSwarm(ctx, "s1", in))

	got, err := st.GetSwarm(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.False(t, got.CreatedAt.Before(before))
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)

	want := in.Clone()
	want.CreatedAt = got.CreatedAt
	want.UpdatedAt = got.UpdatedAt
	assert.Equal(t, want, got)
}

func emptyCollections(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	in := Sample("s1", "u1")
	in.Team.SubtaskLeaders = map[string]ids.BotID{}
	in.Team.Members = []ids.BotID{}
	in.Metadata.Labels = map[string]string{}
	require.NoError(t, st.CreateSwarm(ctx, "s1", in))

	got, err := st.GetSwarm(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Team.SubtaskLeaders)
	assert.Nil(t, got.Team.Members)
	assert.Nil(t, got.Metadata.Labels)

	want := in.Clone()
	want.CreatedAt = got.CreatedAt
	want.UpdatedAt = got.UpdatedAt
	assert.Equal(t, want, got)

	empty := swarm.TeamFormation{Leader: "lead", Members: []ids.BotID{}}
	updated, err := st.UpdateSwarm(ctx, "s1", swarm.Update{Team: &empty})
	require.NoError(t, err)
	assert.Nil(t, updated.Team.Members)
	got, err = st.GetSwarm(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, updated.Team, got.Team)
}

func createDuplicate(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSwarm(ctx, "s1", Sample("s1", "u1")))
	err := st.CreateSwarm(ctx, "s1", Sample("s1", "u2"))
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func getMissing(t *testing.T, st swarm.Store) {
	got, err := st.GetSwarm(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = st.GetSwarmState(context.Background(), "nope")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func updateMissing(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	running := swarm.StateStarting

	_, err := st.UpdateSwarm(ctx, "never", swarm.Update{State: &running})
	assert.ErrorIs(t, err, fault.ErrNotFound)

	require.NoError(t, st.CreateSwarm(ctx, "s1", Sample("s1", "u1")))
	require.NoError(t, st.DeleteSwarm(ctx, "s1"))
	require.NoError(t, st.DeleteSwarm(ctx, "s1"))

	_, err = st.UpdateSwarm(ctx, "s1", swarm.Update{State: &running})
	assert.ErrorIs(t, err, fault.ErrNotFound)
	got, err := st.GetSwarm(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func updateMerges(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSwarm(ctx, "s1", Sample("s1", "u1")))
	orig, err := st.GetSwarm(ctx, "s1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	metrics := swarm.Metrics{TasksCompleted: 5}
	updated, err := st.UpdateSwarm(ctx, "s1", swarm.Update{Metrics: &metrics})
	require.NoError(t, err)
	assert.Equal(t, metrics, updated.Metrics)
	assert.Equal(t, orig.Team, updated.Team)
	assert.Equal(t, orig.Metadata, updated.Metadata)
	assert.Equal(t, orig.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(orig.UpdatedAt))

	for _, s := range []swarm.State{swarm.StateStarting, swarm.StateRunning, swarm.StateRunning, swarm.StateStopping, swarm.StateStopped} {
		_, err := st.UpdateSwarmState(ctx, "s1", s)
		require.NoError(t, err, "-> %s", s)
	}
	state, err := st.GetSwarmState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, swarm.StateStopped, state)
}

func terminalStatesReject(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	paths := map[swarm.State][]swarm.State{
		swarm.StateStopped:    {swarm.StateStarting, swarm.StateRunning, swarm.StateStopping, swarm.StateStopped},
		swarm.StateFailed:     {swarm.StateFailed},
		swarm.StateTerminated: {swarm.StateTerminated},
	}
	for terminal, path := range paths {
		id := ids.SwarmID("t-" + string(terminal))
		require.NoError(t, st.CreateSwarm(ctx, id, Sample(id, "u1")))
		for _, s := range path {
			_, err := st.UpdateSwarmState(ctx, id, s)
			require.NoError(t, err)
		}
		for _, target := range swarm.States() {
			_, err := st.UpdateSwarmState(ctx, id, target)
			assert.ErrorIs(t, err, fault.ErrConflict, "%s -> %s", terminal, target)
		}
		got, err := st.GetSwarmState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, terminal, got)
	}

	id := ids.SwarmID("skip")
	require.NoError(t, st.CreateSwarm(ctx, id, Sample(id, "u1")))
	_, err := st.UpdateSwarmState(ctx, id, swarm.StateRunning)
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func noAliasing(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	in := Sample("s1", "u1")
	require.NoError(t, st.CreateSwarm(ctx, "s1", in))
	in.Team.SubtaskLeaders["research"] = "hijack"
	in.Metadata.Labels["env"] = "prod"

	got, err := st.GetSwarm(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ids.BotID("bot-r"), got.Team.SubtaskLeaders["research"])

	got.Team.Members[0] = "mutated"
	got.Metadata.Labels["env"] = "mutated"
	again, err := st.GetSwarm(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ids.BotID("lead"), again.Team.Members[0])
	assert.Equal(t, "test", again.Metadata.Labels["env"])
}

func queries(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSwarm(ctx, "a", Sample("a", "alice")))
	require.NoError(t, st.CreateSwarm(ctx, "b", Sample("b", "alice")))
	require.NoError(t, st.CreateSwarm(ctx, "c", Sample("c", "bob")))

	_, err := st.UpdateSwarmState(ctx, "b", swarm.StateTerminated)
	require.NoError(t, err)
	_, err = st.UpdateSwarmState(ctx, "c", swarm.StateStarting)
	require.NoError(t, err)

	active, err := st.ListActiveSwarms(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ids.SwarmID{"a", "c"}, swarmIDs(active))

	byState, err := st.GetSwarmsByState(ctx, swarm.StateTerminated)
	require.NoError(t, err)
	assert.Equal(t, []ids.SwarmID{"b"}, swarmIDs(byState))

	byUser, err := st.GetSwarmsByUser(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ids.SwarmID{"a", "b"}, swarmIDs(byUser))

	none, err := st.GetSwarmsByUser(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func team(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSwarm(ctx, "s1", Sample("s1", "u1")))

	next := swarm.TeamFormation{Leader: "new-lead", SubtaskLeaders: map[string]ids.BotID{"write": "bot-w"}}
	_, err := st.UpdateTeam(ctx, "s1", next)
	require.NoError(t, err)

	got, err := st.GetTeam(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, next, *got)

	_, err = st.GetTeam(ctx, "missing")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = st.UpdateTeam(ctx, "missing", next)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func concurrentUpdates(t *testing.T, st swarm.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSwarm(ctx, "s1", Sample("s1", "u1")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			terminated := swarm.StateTerminated
			if _, err := st.UpdateSwarm(ctx, "s1", swarm.Update{State: &terminated}); err == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, okCount, "exactly one writer may leave a non-terminal state")
}

func swarmIDs(list []*swarm.Swarm) []ids.SwarmID {
	out := make([]ids.SwarmID, 0, len(list))
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}
