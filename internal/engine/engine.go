// Package engine is the inbound trigger surface. It checks the caller,
// brings the swarm to RUNNING, carves run and step budgets out of the swarm
// budget, runs the turn and records what it cost.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

const eventSource = "engine"

// Transcript persists the messages of finished turns.
type Transcript interface {
	SaveTurn(ctx context.Context, swarmID ids.SwarmID, turnID ids.TurnID, msgs []conversation.Message) error
	History(ctx context.Context, swarmID ids.SwarmID, limit int) ([]conversation.Message, error)
	PurgeSwarm(ctx context.Context, swarmID ids.SwarmID) error
}

// Archiver stores a terminal swarm and its transcript before removal and
// returns where the archive went.
type Archiver interface {
	Archive(ctx context.Context, sw *swarm.Swarm, history []conversation.Message) (string, error)
}

// ParticipantSelector picks who takes part in a turn.
type ParticipantSelector func(sw *swarm.Swarm, t conversation.Trigger) []ids.BotID

// DefaultSelector uses the participants a trigger names, or the whole team.
func DefaultSelector(sw *swarm.Swarm, t conversation.Trigger) []ids.BotID {
	if p := conversation.Participants(t); len(p) > 0 {
		return p
	}
	return sw.Team.Bots()
}

type Config struct {
	DefaultMode        conversation.Mode
	AdaptiveTokenFloor int64
	ApprovalTools      []string
	HistoryLimit       int
}

type Deps struct {
	Store      swarm.Store
	Resources  *resources.Manager
	Validator  *security.Validator
	Approvals  *approval.Service
	Responder  conversation.Responder
	Tools      conversation.ToolRunner
	Transcript Transcript
	Archiver   Archiver
	Bus        events.Publisher
	Selector   ParticipantSelector
}

type Engine struct {
	store      swarm.Store
	res        *resources.Manager
	validator  *security.Validator
	approvals  *approval.Service
	responder  conversation.Responder
	tools      conversation.ToolRunner
	transcript Transcript
	archiver   Archiver
	bus        events.Publisher
	selector   ParticipantSelector
	cfg        Config

	locks sync.Map // ids.SwarmID -> *sync.Mutex

	mu    sync.Mutex
	turns map[ids.SwarmID]map[ids.TurnID]context.CancelFunc
	now   func() time.Time
}

func New(deps Deps, cfg Config) *Engine {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = conversation.ModeSequential
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	e := &Engine{
		store:      deps.Store,
		res:        deps.Resources,
		validator:  deps.Validator,
		approvals:  deps.Approvals,
		responder:  deps.Responder,
		tools:      deps.Tools,
		transcript: deps.Transcript,
		archiver:   deps.Archiver,
		bus:        deps.Bus,
		selector:   deps.Selector,
		cfg:        cfg,
		turns:      make(map[ids.SwarmID]map[ids.TurnID]context.CancelFunc),
		now:        time.Now,
	}
	if e.bus == nil {
		e.bus = events.Discard
	}
	if e.selector == nil {
		e.selector = DefaultSelector
	}
	return e
}

func (e *Engine) lock(id ids.SwarmID) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// authorize checks sec against sw. Owners and team members need the base
// permission; anyone else also needs swarm:manage.
func (e *Engine) authorize(sec security.Context, sw *swarm.Swarm, perm, op string) error {
	required := []string{perm}
	if sw != nil && !e.ownedBy(sec, sw) {
		required = append(required, security.PermSwarmManage)
	}
	if !e.validator.ValidatePermissions(sec, required, op) {
		return fault.Unauthorized("user %q may not %s", sec.UserID, op)
	}
	return nil
}

func (e *Engine) ownedBy(sec security.Context, sw *swarm.Swarm) bool {
	if sw.Metadata.UserID == "" || sw.Metadata.UserID == sec.UserID {
		return true
	}
	return sw.Metadata.TeamID != "" && e.validator.BelongsToTeam(sec, sw.Metadata.TeamID)
}

// CreateSwarm registers a new swarm in UNINITIALIZED and opens its resource
// scope. A nil limits uses the swarm tier defaults.
func (e *Engine) CreateSwarm(ctx context.Context, sec security.Context, id ids.SwarmID, team swarm.TeamFormation, meta swarm.Metadata, limits *resources.Amount) (*swarm.Swarm, error) {
	if err := e.authorize(sec, nil, security.PermSwarmExecute, "swarm:create"); err != nil {
		return nil, err
	}
	defer e.lock(id)()
	return e.createLocked(ctx, sec, id, team, meta, limits)
}

func (e *Engine) createLocked(ctx context.Context, sec security.Context, id ids.SwarmID, team swarm.TeamFormation, meta swarm.Metadata, limits *resources.Amount) (*swarm.Swarm, error) {
	meta.UserID = sec.UserID
	if meta.TeamID == "" {
		meta.TeamID = sec.TeamID
	}

	scope, err := e.res.OpenSwarm(id, limits)
	if err != nil {
		return nil, fmt.Errorf("open swarm budget: %w", err)
	}
	sw := &swarm.Swarm{
		ID:        id,
		State:     swarm.StateUninitialized,
		Team:      team,
		Resources: scope.Snapshot(),
		Metadata:  meta,
	}
	if err := e.store.CreateSwarm(ctx, id, sw); err != nil {
		if !errors.Is(err, fault.ErrConflict) {
			e.res.Forget(scope.Key())
		}
		return nil, err
	}

	e.publish(events.TypeSwarmCreated, id, map[string]any{
		"userId": meta.UserID,
		"teamId": meta.TeamID,
		"bots":   botStrings(team.Bots()),
	})
	slog.Info("swarm created", "swarm", id, "user", meta.UserID)
	return e.store.GetSwarm(ctx, id)
}

// ensureRunning creates the swarm on first contact and moves it to RUNNING.
// Callers hold the swarm lock.
func (e *Engine) ensureRunning(ctx context.Context, sec security.Context, id ids.SwarmID, t conversation.Trigger) (*swarm.Swarm, error) {
	sw, err := e.store.GetSwarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		var team swarm.TeamFormation
		if bots := conversation.Participants(t); len(bots) > 0 {
			team = swarm.TeamFormation{Leader: bots[0], Members: append([]ids.BotID(nil), bots...)}
		}
		if sw, err = e.createLocked(ctx, sec, id, team, swarm.Metadata{}, nil); err != nil {
			return nil, err
		}
	}

	if sw.State == swarm.StateUninitialized {
		if sw, err = e.transition(ctx, sw, swarm.StateStarting, "trigger"); err != nil {
			return nil, err
		}
	}
	if sw.State == swarm.StateStarting {
		if sw, err = e.transition(ctx, sw, swarm.StateRunning, "trigger"); err != nil {
			return nil, err
		}
	}
	if sw.State != swarm.StateRunning {
		return nil, fault.Conflict("swarm %s is %s", id, sw.State)
	}

	if err := e.reopenBudget(sw); err != nil {
		return nil, err
	}
	return sw, nil
}

// reopenBudget restores the swarm scope from the persisted snapshot when the
// tracker is gone, after a restart or an abandonment sweep.
func (e *Engine) reopenBudget(sw *swarm.Swarm) error {
	key := resources.SwarmScope(sw.ID)
	prior := sw.Resources
	if s, ok := e.res.Scope(key); ok {
		if !s.Closed() {
			return nil
		}
		// An abandoned scope is at least as current as the stored snapshot.
		prior = s.Snapshot()
	}
	e.res.Forget(key)

	_, err := e.res.RestoreSwarm(sw.ID, prior)
	return err
}

func (e *Engine) transition(ctx context.Context, sw *swarm.Swarm, to swarm.State, reason string) (*swarm.Swarm, error) {
	from := sw.State
	updated, err := e.store.UpdateSwarmState(ctx, sw.ID, to)
	if err != nil {
		return nil, err
	}
	if from != to {
		e.publish(events.TypeSwarmStateChanged, sw.ID, map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
		slog.Info("swarm state changed", "swarm", sw.ID, "from", from, "to", to, "reason", reason)
	}
	return updated, nil
}

// HandleTrigger runs one turn of swarmID in response to t.
func (e *Engine) HandleTrigger(ctx context.Context, sec security.Context, swarmID ids.SwarmID, t conversation.Trigger) (*conversation.TurnResult, error) {
	if t == nil {
		return nil, fmt.Errorf("trigger is required")
	}
	op := "trigger:" + string(t.Kind())

	unlock := e.lock(swarmID)
	sw, err := e.store.GetSwarm(ctx, swarmID)
	if err == nil {
		err = e.authorize(sec, sw, security.PermSwarmExecute, op)
	}
	if err == nil {
		sw, err = e.ensureRunning(ctx, sec, swarmID, t)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	participants := e.selector(sw, t)
	if len(participants) == 0 {
		return nil, fmt.Errorf("swarm %s: no participants for %s trigger", swarmID, t.Kind())
	}

	turnID, turnCtx, finish := e.beginTurn(ctx, swarmID)
	defer finish()

	runID := ids.RunID(turnID)
	run, err := e.res.OpenRun(swarmID, runID, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = e.res.Close(run.Key()) }()

	var history []conversation.Message
	if e.transcript != nil {
		if history, err = e.transcript.History(ctx, swarmID, e.cfg.HistoryLimit); err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	budget := run.Snapshot().Remaining
	sub := e.validator.CreateSubContext(sec, op)
	exec := conversation.NewExecutor(
		&meteredResponder{
			inner: e.responder,
			res:   e.res,
			swarm: swarmID,
			run:   runID,
			share: stepShare(e.res.TierConfig(resources.TierStep).DefaultLimits, budget, len(participants)),
		},
		conversation.ExecutorConfig{
			Gate: &toolGate{
				approvals: e.approvals,
				validator: e.validator,
				sec:       sub,
				swarm:     swarmID,
				gated:     e.gated,
			},
			Tools:  e.tools,
			Policy: conversation.TokenBudgetPolicy(e.cfg.AdaptiveTokenFloor),
			Bus:    e.bus,
		},
	)

	start := e.now()
	res, err := exec.Execute(turnCtx, conversation.TurnParams{
		TurnID:       turnID,
		Participants: participants,
		Context:      conversation.Context{SwarmID: swarmID, Trigger: t, History: history},
		Strategy:     string(t.Kind()),
		Mode:         e.cfg.DefaultMode,
		Budget:       budget,
	})
	if err != nil {
		return nil, err
	}

	e.chargeTools(run, res)
	e.saveTranscript(ctx, swarmID, turnID, t, res)
	e.record(ctx, swarmID, e.now().Sub(start), len(res.Failed()) == 0)
	return res, nil
}

// chargeTools books tool credits against the run once the turn is over.
func (e *Engine) chargeTools(run *resources.Scope, res *conversation.TurnResult) {
	var credits int64
	for _, r := range res.ParticipantResults {
		for _, tr := range r.ToolResults {
			credits += tr.CreditsUsed
		}
	}
	if credits == 0 {
		return
	}
	amount := resources.Amount{Credits: credits}
	h, err := run.Reserve(amount)
	if err == nil {
		err = run.Consume(h, amount)
	}
	if err != nil {
		slog.Warn("could not charge tool credits", "scope", run.Key(), "credits", credits, "error", err)
	}
}

func (e *Engine) saveTranscript(ctx context.Context, swarmID ids.SwarmID, turnID ids.TurnID, t conversation.Trigger, res *conversation.TurnResult) {
	if e.transcript == nil {
		return
	}
	var msgs []conversation.Message
	if um, ok := t.(conversation.UserMessage); ok {
		m := um.Message
		if m.Role == "" {
			m.Role = conversation.RoleUser
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, res.Messages...)
	if len(msgs) == 0 {
		return
	}
	if err := e.transcript.SaveTurn(ctx, swarmID, turnID, msgs); err != nil {
		slog.Warn("save transcript failed", "swarm", swarmID, "turn", turnID, "error", err)
	}
}

// record folds the finished turn into the swarm's metrics and resource
// snapshot. A swarm that left RUNNING meanwhile keeps its final state.
func (e *Engine) record(ctx context.Context, swarmID ids.SwarmID, d time.Duration, ok bool) {
	defer e.lock(swarmID)()
	sw, err := e.store.GetSwarm(ctx, swarmID)
	if err != nil || sw == nil {
		return
	}
	metrics := sw.Metrics.Record(d, ok)
	u := swarm.Update{Metrics: &metrics}
	if snap, err := e.res.Snapshot(resources.SwarmScope(swarmID)); err == nil {
		u.Resources = &snap
	}
	if _, err := e.store.UpdateSwarm(ctx, swarmID, u); err != nil {
		slog.Warn("record turn failed", "swarm", swarmID, "error", err)
	}
}

func (e *Engine) gated(tool string) bool {
	for _, pattern := range e.cfg.ApprovalTools {
		if ok, _ := path.Match(pattern, tool); ok {
			return true
		}
	}
	return false
}

// beginTurn registers a cancellable turn and returns a unique TurnID.
func (e *Engine) beginTurn(ctx context.Context, swarmID ids.SwarmID) (ids.TurnID, context.Context, func()) {
	turnCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	turns := e.turns[swarmID]
	if turns == nil {
		turns = make(map[ids.TurnID]context.CancelFunc)
		e.turns[swarmID] = turns
	}
	at := e.now()
	turnID := ids.NewTurnID(swarmID, at)
	for turns[turnID] != nil {
		at = at.Add(time.Millisecond)
		turnID = ids.NewTurnID(swarmID, at)
	}
	turns[turnID] = cancel
	e.mu.Unlock()

	return turnID, turnCtx, func() {
		cancel()
		e.mu.Lock()
		delete(e.turns[swarmID], turnID)
		if len(e.turns[swarmID]) == 0 {
			delete(e.turns, swarmID)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) cancelTurns(swarmID ids.SwarmID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, cancel := range e.turns[swarmID] {
		cancel()
		n++
	}
	return n
}

// InFlight reports how many turns of swarmID are running.
func (e *Engine) InFlight(swarmID ids.SwarmID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.turns[swarmID])
}

func (e *Engine) publish(eventType string, swarmID ids.SwarmID, data map[string]any) {
	data["swarmId"] = string(swarmID)
	e.bus.Publish(events.TopicSwarmLifecycle, events.New(eventType, eventSource, data))
}

func botStrings(bots []ids.BotID) []string {
	out := make([]string, len(bots))
	for i, b := range bots {
		out[i] = string(b)
	}
	return out
}
