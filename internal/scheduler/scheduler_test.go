package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/config"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/store"
)

type call struct {
	sec     security.Context
	swarm   ids.SwarmID
	trigger conversation.ScheduledTurn
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []call
	err   error
	fail  []ids.BotID
}

func (f *fakeEngine) HandleTrigger(_ context.Context, sec security.Context, swarmID ids.SwarmID, t conversation.Trigger) (*conversation.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{sec: sec, swarm: swarmID, trigger: t.(conversation.ScheduledTurn)})
	if f.err != nil {
		return nil, f.err
	}
	res := &conversation.TurnResult{ParticipantResults: map[ids.BotID]conversation.ResponseResult{
		"bot-a": {Success: true},
	}}
	for _, b := range f.fail {
		res.ParticipantResults[b] = conversation.ResponseResult{Error: &conversation.ResponseError{Code: "timeout"}}
	}
	return res, nil
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, eng Engine) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := New(st, eng, config.SchedulerConfig{PollInterval: time.Minute})
	s.now = func() time.Time { return base }
	return s, st
}

func addSchedule(t *testing.T, st *store.Store, id, sched string, next time.Time) {
	t.Helper()
	err := st.SaveScheduledTurn(context.Background(), &store.ScheduledTurn{
		ID:           id,
		SwarmID:      "s1",
		UserID:       "alice",
		TeamID:       "team-1",
		Name:         id,
		Schedule:     sched,
		Participants: []string{"bot-a"},
		Reason:       "daily standup",
		NextRunAt:    &next,
	})
	if err != nil {
		t.Fatalf("save schedule: %v", err)
	}
}

func get(t *testing.T, st *store.Store, id string) *store.ScheduledTurn {
	t.Helper()
	got, err := st.GetScheduledTurn(context.Background(), id)
	if err != nil || got == nil {
		t.Fatalf("get schedule %s: %v", id, err)
	}
	return got
}

func TestPollFiresDueSchedules(t *testing.T) {
	eng := &fakeEngine{}
	s, st := setup(t, eng)
	addSchedule(t, st, "due", `{"kind":"interval","interval_ms":60000}`, base.Add(-time.Minute))
	addSchedule(t, st, "later", `{"kind":"interval","interval_ms":60000}`, base.Add(time.Hour))

	if n := s.Poll(context.Background()); n != 1 {
		t.Fatalf("expected 1 fired schedule, got %d", n)
	}
	if len(eng.calls) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(eng.calls))
	}

	c := eng.calls[0]
	if c.swarm != "s1" {
		t.Errorf("swarm = %q, want s1", c.swarm)
	}
	if c.sec.UserID != "alice" || c.sec.TeamID != "team-1" || c.sec.Origin != security.OriginScheduler {
		t.Errorf("security context = %+v", c.sec)
	}
	if !c.sec.Has(security.PermSwarmExecute) {
		t.Error("system context lacks swarm:execute")
	}
	if len(c.trigger.Participants) != 1 || c.trigger.Participants[0] != "bot-a" {
		t.Errorf("participants = %v", c.trigger.Participants)
	}
	if c.trigger.Reason != "daily standup" {
		t.Errorf("reason = %q", c.trigger.Reason)
	}
	if !c.trigger.ScheduledAt.Equal(base.Add(-time.Minute)) {
		t.Errorf("scheduledAt = %v", c.trigger.ScheduledAt)
	}

	got := get(t, st, "due")
	if got.LastStatus != RunSuccess {
		t.Errorf("last status = %q, want success", got.LastStatus)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(base.Add(time.Minute)) {
		t.Errorf("next run = %v, want %v", got.NextRunAt, base.Add(time.Minute))
	}
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
}

func TestOnceScheduleCompletes(t *testing.T) {
	eng := &fakeEngine{}
	s, st := setup(t, eng)
	at := base.Add(-time.Second)
	addSchedule(t, st, "once", fmt.Sprintf(`{"kind":"once","at_ms":%d}`, at.UnixMilli()), at)

	s.Poll(context.Background())

	got := get(t, st, "once")
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.NextRunAt != nil {
		t.Errorf("next run = %v, want nil", got.NextRunAt)
	}
	if n := s.Poll(context.Background()); n != 0 {
		t.Errorf("completed schedule fired again")
	}
}

func TestPartialFailureIsRecorded(t *testing.T) {
	eng := &fakeEngine{fail: []ids.BotID{"bot-b"}}
	s, st := setup(t, eng)
	addSchedule(t, st, "p", `{"kind":"cron","cron_expr":"0 * * * *"}`, base.Add(-time.Minute))

	s.Poll(context.Background())

	got := get(t, st, "p")
	if got.LastStatus != RunPartial {
		t.Errorf("last status = %q, want partial", got.LastStatus)
	}
	if got.LastError == "" {
		t.Error("expected last error to describe the failure")
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(base.Add(time.Hour)) {
		t.Errorf("next run = %v, want %v", got.NextRunAt, base.Add(time.Hour))
	}
}

func TestTransientErrorKeepsSchedule(t *testing.T) {
	eng := &fakeEngine{err: errors.New("nats down")}
	s, st := setup(t, eng)
	addSchedule(t, st, "e", `{"kind":"interval","interval_ms":60000}`, base.Add(-time.Minute))

	s.Poll(context.Background())

	got := get(t, st, "e")
	if got.LastStatus != RunError || got.LastError != "nats down" {
		t.Errorf("last = %q/%q", got.LastStatus, got.LastError)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
}

func TestFinishedSwarmPausesSchedule(t *testing.T) {
	eng := &fakeEngine{err: fault.Conflict("swarm s1 is TERMINATED")}
	s, st := setup(t, eng)
	addSchedule(t, st, "c", `{"kind":"interval","interval_ms":60000}`, base.Add(-time.Minute))

	s.Poll(context.Background())

	got := get(t, st, "c")
	if got.Status != StatusPaused {
		t.Errorf("status = %q, want paused", got.Status)
	}
	if n := s.Poll(context.Background()); n != 0 {
		t.Errorf("paused schedule fired again")
	}
}

func TestInvalidParticipantsAreReported(t *testing.T) {
	eng := &fakeEngine{}
	s, st := setup(t, eng)
	next := base.Add(-time.Minute)
	err := st.SaveScheduledTurn(context.Background(), &store.ScheduledTurn{
		ID:           "bad",
		SwarmID:      "s1",
		UserID:       "alice",
		Schedule:     `{"kind":"interval","interval_ms":60000}`,
		Participants: []string{"not.valid"},
		NextRunAt:    &next,
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Poll(context.Background())

	if len(eng.calls) != 0 {
		t.Errorf("engine called with invalid participants")
	}
	if got := get(t, st, "bad"); got.LastStatus != RunError {
		t.Errorf("last status = %q, want error", got.LastStatus)
	}
}

func TestUpdateConfig(t *testing.T) {
	s, _ := setup(t, &fakeEngine{})
	s.UpdateConfig(config.SchedulerConfig{PollInterval: 5 * time.Second})
	if got := s.interval(); got != 5*time.Second {
		t.Errorf("interval = %v, want 5s", got)
	}
	s.UpdateConfig(config.SchedulerConfig{})
	if got := s.interval(); got != 30*time.Second {
		t.Errorf("interval = %v, want default 30s", got)
	}
	select {
	case <-s.reloadCh:
	default:
		t.Error("expected reload signal")
	}
}
