package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/tierflow/internal/config"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/schedule"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/store"
)

// Schedule statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Run outcomes recorded in last_status.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunError   = "error"
)

// Engine is the part of the engine the scheduler fires into.
type Engine interface {
	HandleTrigger(ctx context.Context, sec security.Context, swarmID ids.SwarmID, t conversation.Trigger) (*conversation.TurnResult, error)
}

// Store is the schedule storage the scheduler needs.
type Store interface {
	GetDueScheduledTurns(ctx context.Context, now time.Time) ([]store.ScheduledTurn, error)
	UpdateScheduledTurnRun(ctx context.Context, id, lastStatus, lastError string, nextRunAt *time.Time) error
	UpdateScheduledTurnStatus(ctx context.Context, id, status string) error
}

type Scheduler struct {
	store  Store
	engine Engine
	now    func() time.Time

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s Store, eng Engine, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		engine:       eng,
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll fires every due schedule once and returns how many ran.
func (s *Scheduler) Poll(ctx context.Context) int {
	due, err := s.store.GetDueScheduledTurns(ctx, s.now())
	if err != nil {
		slog.Error("failed to get due scheduled turns", "error", err)
		return 0
	}
	for _, st := range due {
		s.execute(ctx, st)
	}
	return len(due)
}

func (s *Scheduler) execute(ctx context.Context, st store.ScheduledTurn) {
	slog.Info("executing scheduled turn", "id", st.ID, "name", st.Name, "swarm", st.SwarmID)

	status, runErr := s.fire(ctx, st)
	var lastError string
	if runErr != nil {
		lastError = runErr.Error()
		slog.Error("scheduled turn failed", "id", st.ID, "error", runErr)
	}

	// A swarm that is gone or finished will never accept the turn.
	if errors.Is(runErr, fault.ErrNotFound) || errors.Is(runErr, fault.ErrConflict) {
		if err := s.store.UpdateScheduledTurnRun(ctx, st.ID, status, lastError, nil); err != nil {
			slog.Error("failed to update scheduled turn run", "id", st.ID, "error", err)
		}
		if err := s.store.UpdateScheduledTurnStatus(ctx, st.ID, StatusPaused); err != nil {
			slog.Error("failed to pause scheduled turn", "id", st.ID, "error", err)
		}
		slog.Warn("scheduled turn paused", "id", st.ID, "swarm", st.SwarmID)
		return
	}

	next := schedule.Next(st.Schedule, s.now())
	if err := s.store.UpdateScheduledTurnRun(ctx, st.ID, status, lastError, next); err != nil {
		slog.Error("failed to update scheduled turn run", "id", st.ID, "error", err)
	}

	// Mark one-off schedules as completed when they have no next run
	if next == nil {
		slog.Info("no next run, marking scheduled turn as completed", "id", st.ID, "name", st.Name)
		if err := s.store.UpdateScheduledTurnStatus(ctx, st.ID, StatusCompleted); err != nil {
			slog.Error("failed to complete scheduled turn", "id", st.ID, "error", err)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, st store.ScheduledTurn) (string, error) {
	swarmID, err := ids.ParseSwarmID(st.SwarmID)
	if err != nil {
		return RunError, err
	}
	bots, err := ids.ParseBotIDs(st.Participants)
	if err != nil {
		return RunError, err
	}

	trigger := conversation.ScheduledTurn{
		Participants: bots,
		Reason:       st.Reason,
		ScheduledAt:  s.now().UTC(),
	}
	if st.NextRunAt != nil {
		trigger.ScheduledAt = *st.NextRunAt
	}

	sec := security.SystemContext(st.UserID, st.TeamID, "schedule:"+st.ID)
	res, err := s.engine.HandleTrigger(ctx, sec, swarmID, trigger)
	if err != nil {
		return RunError, err
	}
	if failed := res.Failed(); len(failed) > 0 {
		return RunPartial, fmt.Errorf("%d of %d participants failed", len(failed), len(res.ParticipantResults))
	}
	return RunSuccess, nil
}
