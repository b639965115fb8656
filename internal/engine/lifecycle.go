package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

// archiveHistory caps how much transcript goes into an archive.
const archiveHistory = 100_000

// ListFilter narrows ListSwarms. An empty filter lists active swarms.
type ListFilter struct {
	State  swarm.State
	UserID string
}

// GetSwarm returns a swarm the caller may read.
func (e *Engine) GetSwarm(ctx context.Context, sec security.Context, id ids.SwarmID) (*swarm.Swarm, error) {
	sw, err := e.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(sec, sw, security.PermSwarmRead, "swarm:read"); err != nil {
		return nil, err
	}
	return sw, nil
}

// ListSwarms lists swarms matching f. Callers without swarm:manage only see
// their own and their team's.
func (e *Engine) ListSwarms(ctx context.Context, sec security.Context, f ListFilter) ([]*swarm.Swarm, error) {
	if !e.validator.ValidatePermissions(sec, []string{security.PermSwarmRead}, "swarm:list") {
		return nil, fault.Unauthorized("user %q may not list swarms", sec.UserID)
	}

	var (
		list []*swarm.Swarm
		err  error
	)
	switch {
	case f.State != "":
		list, err = e.store.GetSwarmsByState(ctx, f.State)
	case f.UserID != "":
		list, err = e.store.GetSwarmsByUser(ctx, f.UserID)
	default:
		list, err = e.store.ListActiveSwarms(ctx)
	}
	if err != nil {
		return nil, err
	}

	manager := sec.Has(security.PermSwarmManage)
	out := list[:0]
	for _, sw := range list {
		if f.UserID != "" && sw.Metadata.UserID != f.UserID {
			continue
		}
		if manager || e.ownedBy(sec, sw) {
			out = append(out, sw)
		}
	}
	return out, nil
}

// SwarmResources reports the live budget of a swarm, or the last persisted
// snapshot when no tracker is open.
func (e *Engine) SwarmResources(ctx context.Context, sec security.Context, id ids.SwarmID) (resources.Snapshot, error) {
	sw, err := e.GetSwarm(ctx, sec, id)
	if err != nil {
		return resources.Snapshot{}, err
	}
	if snap, err := e.res.Snapshot(resources.SwarmScope(id)); err == nil {
		return snap, nil
	}
	return sw.Resources, nil
}

// UpdateTeam replaces the team of a non-terminal swarm.
func (e *Engine) UpdateTeam(ctx context.Context, sec security.Context, id ids.SwarmID, team swarm.TeamFormation) (*swarm.Swarm, error) {
	defer e.lock(id)()
	sw, err := e.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(sec, sw, security.PermSwarmExecute, "swarm:team"); err != nil {
		return nil, err
	}
	if sw.State.Terminal() {
		return nil, fault.Conflict("swarm %s is %s", id, sw.State)
	}
	return e.store.UpdateTeam(ctx, id, team)
}

// StopSwarm winds a swarm down through STOPPING to STOPPED. In-flight turns
// are cancelled, pending approvals time out and the budget is closed.
func (e *Engine) StopSwarm(ctx context.Context, sec security.Context, id ids.SwarmID) (*swarm.Swarm, error) {
	defer e.lock(id)()
	sw, err := e.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(sec, sw, security.PermSwarmExecute, "swarm:stop"); err != nil {
		return nil, err
	}
	if err := swarm.CheckTransition(sw.State, swarm.StateStopping); err != nil {
		return nil, err
	}

	if sw, err = e.transition(ctx, sw, swarm.StateStopping, "stop"); err != nil {
		return nil, err
	}
	turns, approvals := e.drain(id)
	sw, err = e.settle(ctx, sw, swarm.StateStopped, "stop")
	if err != nil {
		return nil, err
	}

	e.validator.RecordSecurityEvent(sec, AuditSwarmStopped, map[string]any{
		"swarmId":   string(id),
		"turns":     turns,
		"approvals": approvals,
	})
	return sw, nil
}

// CancelSwarm terminates a swarm right away. Whatever its open runs and
// steps still held flows back into the swarm budget before it is closed.
func (e *Engine) CancelSwarm(ctx context.Context, sec security.Context, id ids.SwarmID, reason string) (*swarm.Swarm, error) {
	defer e.lock(id)()
	sw, err := e.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(sec, sw, security.PermSwarmExecute, "swarm:cancel"); err != nil {
		return nil, err
	}
	if sw.State.Terminal() {
		return nil, fault.Conflict("swarm %s is already %s", id, sw.State)
	}
	if reason == "" {
		reason = "cancelled"
	}

	turns, approvals := e.drain(id)
	sw, err = e.settle(ctx, sw, swarm.StateTerminated, reason)
	if err != nil {
		return nil, err
	}

	e.validator.RecordSecurityEvent(sec, AuditSwarmCanceled, map[string]any{
		"swarmId":   string(id),
		"reason":    reason,
		"turns":     turns,
		"approvals": approvals,
		"resources": sw.Resources.Map(),
	})
	return sw, nil
}

// PurgeSwarm archives a terminal swarm and deletes it with its transcript
// and budget tracker.
func (e *Engine) PurgeSwarm(ctx context.Context, sec security.Context, id ids.SwarmID) (string, error) {
	unlock := e.lock(id)
	defer unlock()

	sw, err := e.mustGet(ctx, id)
	if err != nil {
		return "", err
	}
	if !e.validator.ValidatePermissions(sec, []string{security.PermSwarmManage}, "swarm:purge") {
		return "", fault.Unauthorized("user %q may not purge swarms", sec.UserID)
	}
	if !sw.State.Terminal() {
		return "", fault.Conflict("swarm %s is %s, stop or cancel it first", id, sw.State)
	}

	var archived string
	if e.archiver != nil {
		var history []conversation.Message
		if e.transcript != nil {
			if history, err = e.transcript.History(ctx, id, archiveHistory); err != nil {
				return "", err
			}
		}
		if archived, err = e.archiver.Archive(ctx, sw, history); err != nil {
			return "", err
		}
	}

	if err := e.store.DeleteSwarm(ctx, id); err != nil {
		return "", err
	}
	if e.transcript != nil {
		if err := e.transcript.PurgeSwarm(ctx, id); err != nil {
			slog.Warn("purge transcript failed", "swarm", id, "error", err)
		}
	}
	e.res.Forget(resources.SwarmScope(id))
	if e.approvals != nil {
		e.approvals.Forget(string(id))
	}

	e.publish(events.TypeSwarmDeleted, id, map[string]any{"archive": archived})
	e.validator.RecordSecurityEvent(sec, AuditSwarmPurged, map[string]any{
		"swarmId": string(id),
		"archive": archived,
	})
	slog.Info("swarm purged", "swarm", id, "archive", archived)
	return archived, nil
}

// drain cancels running turns and pending approvals and closes the swarm
// budget, which closes every run and step beneath it.
func (e *Engine) drain(id ids.SwarmID) (turns, approvals int) {
	turns = e.cancelTurns(id)
	if e.approvals != nil {
		approvals = e.approvals.CancelSwarm(id)
	}
	if err := e.res.Close(resources.SwarmScope(id)); err != nil && !errors.Is(err, fault.ErrNotFound) {
		slog.Warn("close swarm budget failed", "swarm", id, "error", err)
	}
	return turns, approvals
}

// settle moves sw to a terminal state and stores the final budget snapshot.
func (e *Engine) settle(ctx context.Context, sw *swarm.Swarm, to swarm.State, reason string) (*swarm.Swarm, error) {
	u := swarm.Update{State: &to}
	if snap, err := e.res.Snapshot(resources.SwarmScope(sw.ID)); err == nil {
		u.Resources = &snap
	}
	from := sw.State
	updated, err := e.store.UpdateSwarm(ctx, sw.ID, u)
	if err != nil {
		return nil, err
	}
	e.publish(events.TypeSwarmStateChanged, sw.ID, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	slog.Info("swarm state changed", "swarm", sw.ID, "from", from, "to", to, "reason", reason)
	return updated, nil
}

func (e *Engine) mustGet(ctx context.Context, id ids.SwarmID) (*swarm.Swarm, error) {
	sw, err := e.store.GetSwarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		return nil, fault.NotFound("swarm %s", id)
	}
	return sw, nil
}
