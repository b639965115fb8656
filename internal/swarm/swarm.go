// Package swarm holds the swarm aggregate, its lifecycle state machine and
// the storage contract shared by the in-memory and SQLite stores.
package swarm

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/resources"
)

type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateStarting      State = "STARTING"
	StateRunning       State = "RUNNING"
	StateStopping      State = "STOPPING"
	StateStopped       State = "STOPPED"
	StateFailed        State = "FAILED"
	StateTerminated    State = "TERMINATED"
)

// States lists every state in lifecycle order.
func States() []State {
	return []State{
		StateUninitialized, StateStarting, StateRunning, StateStopping,
		StateStopped, StateFailed, StateTerminated,
	}
}

var transitions = map[State][]State{
	StateUninitialized: {StateStarting, StateFailed, StateTerminated},
	StateStarting:      {StateRunning, StateStopping, StateFailed, StateTerminated},
	StateRunning:       {StateStopping, StateFailed, StateTerminated},
	StateStopping:      {StateStopped, StateFailed, StateTerminated},
}

func (s State) Valid() bool {
	return slices.Contains(States(), s)
}

// Terminal states accept no further transition.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed || s == StateTerminated
}

func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown swarm state %q", s)
	}
	return st, nil
}

// CheckTransition returns a conflict error unless from -> to is allowed.
// Re-entering the current non-terminal state is accepted as a no-op.
func CheckTransition(from, to State) error {
	if !to.Valid() {
		return fmt.Errorf("unknown swarm state %q", to)
	}
	if from.Terminal() {
		return fault.Conflict("swarm is %s, cannot move to %s", from, to)
	}
	if from == to || slices.Contains(transitions[from], to) {
		return nil
	}
	return fault.Conflict("invalid transition %s -> %s", from, to)
}

// TeamFormation maps roles to bots.
type TeamFormation struct {
	Leader         ids.BotID            `json:"leader,omitempty"`
	SubtaskLeaders map[string]ids.BotID `json:"subtaskLeaders,omitempty"`
	Members        []ids.BotID          `json:"members,omitempty"`
}

// Clone returns a deep copy. Empty collections come back nil so every Store
// hands out the same shape whether or not it round-trips through JSON.
func (t TeamFormation) Clone() TeamFormation {
	return TeamFormation{
		Leader:         t.Leader,
		SubtaskLeaders: cloneMap(t.SubtaskLeaders),
		Members:        cloneSlice(t.Members),
	}
}

// Bots returns the leader, subtask leaders and members without duplicates.
func (t TeamFormation) Bots() []ids.BotID {
	seen := make(map[ids.BotID]bool)
	var out []ids.BotID
	add := func(b ids.BotID) {
		if b != "" && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	add(t.Leader)
	for _, k := range slices.Sorted(maps.Keys(t.SubtaskLeaders)) {
		add(t.SubtaskLeaders[k])
	}
	for _, b := range t.Members {
		add(b)
	}
	return out
}

type Metrics struct {
	TasksCompleted    int64 `json:"tasksCompleted"`
	TasksFailed       int64 `json:"tasksFailed"`
	AvgTaskDurationMs int64 `json:"avgTaskDurationMs"`
}

// Record folds one finished task into the running average.
func (m Metrics) Record(d time.Duration, ok bool) Metrics {
	n := m.TasksCompleted + m.TasksFailed
	m.AvgTaskDurationMs = (m.AvgTaskDurationMs*n + d.Milliseconds()) / (n + 1)
	if ok {
		m.TasksCompleted++
	} else {
		m.TasksFailed++
	}
	return m
}

type Metadata struct {
	UserID string            `json:"userId"`
	TeamID string            `json:"teamId,omitempty"`
	Name   string            `json:"name,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (m Metadata) Clone() Metadata {
	m.Labels = cloneMap(m.Labels)
	return m
}

func cloneMap[M ~map[K]V, K comparable, V any](m M) M {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}

func cloneSlice[S ~[]E, E any](s S) S {
	if len(s) == 0 {
		return nil
	}
	return slices.Clone(s)
}

// Swarm is the aggregate root persisted by a Store.
type Swarm struct {
	ID        ids.SwarmID        `json:"id"`
	State     State              `json:"state"`
	Team      TeamFormation      `json:"team"`
	Resources resources.Snapshot `json:"resources"`
	Metrics   Metrics            `json:"metrics"`
	Metadata  Metadata           `json:"metadata"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy.
func (s *Swarm) Clone() *Swarm {
	if s == nil {
		return nil
	}
	c := *s
	c.Team = s.Team.Clone()
	c.Metadata = s.Metadata.Clone()
	return &c
}

// Update is a partial swarm. Nil fields are left alone.
type Update struct {
	State     *State              `json:"state,omitempty"`
	Team      *TeamFormation      `json:"team,omitempty"`
	Resources *resources.Snapshot `json:"resources,omitempty"`
	Metrics   *Metrics            `json:"metrics,omitempty"`
	Metadata  *Metadata           `json:"metadata,omitempty"`
}

// Apply merges u into s and stamps UpdatedAt. s is left untouched when the
// state transition is rejected.
func Apply(s *Swarm, u Update, now time.Time) error {
	if u.State != nil {
		if err := CheckTransition(s.State, *u.State); err != nil {
			return fmt.Errorf("swarm %s: %w", s.ID, err)
		}
		s.State = *u.State
	}
	if u.Team != nil {
		s.Team = u.Team.Clone()
	}
	if u.Resources != nil {
		s.Resources = *u.Resources
	}
	if u.Metrics != nil {
		s.Metrics = *u.Metrics
	}
	if u.Metadata != nil {
		s.Metadata = u.Metadata.Clone()
	}
	s.UpdatedAt = now
	return nil
}

// Prepare validates a swarm about to be created and fills defaults.
func Prepare(id ids.SwarmID, s *Swarm, now time.Time) (*Swarm, error) {
	if s == nil {
		return nil, fmt.Errorf("create swarm %s: nil swarm", id)
	}
	if s.ID != "" && s.ID != id {
		return nil, fmt.Errorf("create swarm %s: id mismatch %s", id, s.ID)
	}
	c := s.Clone()
	c.ID = id
	if c.State == "" {
		c.State = StateUninitialized
	}
	if !c.State.Valid() {
		return nil, fmt.Errorf("create swarm %s: unknown state %q", id, c.State)
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}
