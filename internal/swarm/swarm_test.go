package swarm_test

import (
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/swarm"
	"github.com/mtzanidakis/tierflow/internal/swarm/swarmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	swarmtest.Run(t, func(t *testing.T) swarm.Store { return swarm.NewMemoryStore() })
}

func TestCheckTransition(t *testing.T) {
	allowed := map[swarm.State][]swarm.State{
		swarm.StateUninitialized: {swarm.StateUninitialized, swarm.StateStarting, swarm.StateFailed, swarm.StateTerminated},
		swarm.StateStarting:      {swarm.StateStarting, swarm.StateRunning, swarm.StateStopping, swarm.StateFailed, swarm.StateTerminated},
		swarm.StateRunning:       {swarm.StateRunning, swarm.StateStopping, swarm.StateFailed, swarm.StateTerminated},
		swarm.StateStopping:      {swarm.StateStopping, swarm.StateStopped, swarm.StateFailed, swarm.StateTerminated},
	}
	for _, from := range swarm.States() {
		for _, to := range swarm.States() {
			err := swarm.CheckTransition(from, to)
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			if want {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, fault.ErrConflict, "%s -> %s", from, to)
			}
		}
	}

	assert.Error(t, swarm.CheckTransition(swarm.StateRunning, "BOGUS"))
}

func TestApplyLeavesSwarmOnRejectedTransition(t *testing.T) {
	s := swarmtest.Sample("s1", "u1")
	s.State = swarm.StateFailed
	before := s.Clone()

	running := swarm.StateRunning
	metrics := swarm.Metrics{TasksCompleted: 99}
	err := swarm.Apply(s, swarm.Update{State: &running, Metrics: &metrics}, time.Now())
	require.ErrorIs(t, err, fault.ErrConflict)
	assert.Equal(t, before, s)
}

func TestPrepare(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := swarm.Prepare("s1", &swarm.Swarm{}, now)
	require.NoError(t, err)
	assert.Equal(t, ids.SwarmID("s1"), got.ID)
	assert.Equal(t, swarm.StateUninitialized, got.State)
	assert.Equal(t, now, got.CreatedAt)

	_, err = swarm.Prepare("s1", &swarm.Swarm{ID: "s2"}, now)
	assert.Error(t, err)
	_, err = swarm.Prepare("s1", &swarm.Swarm{State: "NOPE"}, now)
	assert.Error(t, err)
	_, err = swarm.Prepare("s1", nil, now)
	assert.Error(t, err)
}

func TestMetricsRecord(t *testing.T) {
	var m swarm.Metrics
	m = m.Record(100*time.Millisecond, true)
	m = m.Record(300*time.Millisecond, false)
	assert.Equal(t, int64(1), m.TasksCompleted)
	assert.Equal(t, int64(1), m.TasksFailed)
	assert.Equal(t, int64(200), m.AvgTaskDurationMs)
}

func TestTeamBots(t *testing.T) {
	team := swarm.TeamFormation{
		Leader:         "lead",
		SubtaskLeaders: map[string]ids.BotID{"b": "bot-b", "a": "bot-a"},
		Members:        []ids.BotID{"bot-a", "bot-c", "lead"},
	}
	assert.Equal(t, []ids.BotID{"lead", "bot-a", "bot-b", "bot-c"}, team.Bots())
}
