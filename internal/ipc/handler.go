// Package ipc serves operator commands over NATS request/reply.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/engine"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/natsbus"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/schedule"
	"github.com/mtzanidakis/tierflow/internal/scheduler"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/store"
	"github.com/mtzanidakis/tierflow/internal/swarm"
	"github.com/nats-io/nats.go"
)

const (
	defaultUser    = "operator"
	requestTimeout = 30 * time.Second
)

// Operators on the IPC subject hold every permission.
var operatorPermissions = []string{
	security.PermSwarmExecute,
	security.PermSwarmRead,
	security.PermSwarmManage,
	security.PermToolInvoke,
	security.PermToolApprove,
}

type Command struct {
	Type    string          `json:"type"`
	User    string          `json:"user,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Engine interface {
	ListSwarms(ctx context.Context, sec security.Context, f engine.ListFilter) ([]*swarm.Swarm, error)
	StopSwarm(ctx context.Context, sec security.Context, id ids.SwarmID) (*swarm.Swarm, error)
	CancelSwarm(ctx context.Context, sec security.Context, id ids.SwarmID, reason string) (*swarm.Swarm, error)
}

type Schedules interface {
	SaveScheduledTurn(ctx context.Context, t *store.ScheduledTurn) error
	ListScheduledTurns(ctx context.Context) ([]store.ScheduledTurn, error)
	ListScheduledTurnsForSwarm(ctx context.Context, swarmID string) ([]store.ScheduledTurn, error)
	DeleteScheduledTurn(ctx context.Context, id string) error
}

type Handler struct {
	engine    Engine
	approvals *approval.Service
	schedules Schedules
	validator *security.Validator
	now       func() time.Time
	sub       *nats.Subscription
}

func NewHandler(eng Engine, approvals *approval.Service, schedules Schedules, validator *security.Validator) *Handler {
	return &Handler{
		engine:    eng,
		approvals: approvals,
		schedules: schedules,
		validator: validator,
		now:       time.Now,
	}
}

// Start subscribes to the IPC subject of instance.
func (h *Handler) Start(client *natsbus.Client, instance string) error {
	if instance == "" {
		instance = natsbus.DefaultInstance
	}
	sub, err := client.Subscribe(natsbus.TopicIPC(instance), h.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	h.sub = sub
	slog.Info("ipc handler started", "subject", natsbus.TopicIPC(instance))
	return nil
}

func (h *Handler) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
		h.sub = nil
	}
}

func (h *Handler) handleMsg(msg *nats.Msg) {
	var resp map[string]any
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		resp = map[string]any{"error": "invalid command"}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		resp = h.Handle(ctx, cmd)
		cancel()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

// Handle runs one command and returns the response body.
func (h *Handler) Handle(ctx context.Context, cmd Command) map[string]any {
	user := cmd.User
	if user == "" {
		user = defaultUser
	}
	sec := security.NewContext(user, "", operatorPermissions, security.OriginIPC, resources.TierSwarm, "ipc:"+cmd.Type)
	slog.Info("IPC command received", "type", cmd.Type, "user", user)

	switch cmd.Type {
	case "respond_approval":
		return h.respondApproval(sec, cmd.Payload)
	case "list_approvals":
		return h.listApprovals(cmd.Payload)
	case "list_swarms":
		return h.listSwarms(ctx, sec, cmd.Payload)
	case "stop_swarm":
		return h.stopSwarm(ctx, sec, cmd.Payload)
	case "cancel_swarm":
		return h.cancelSwarm(ctx, sec, cmd.Payload)
	case "create_schedule":
		return h.createSchedule(ctx, sec, cmd.Payload)
	case "list_schedules":
		return h.listSchedules(ctx, cmd.Payload)
	case "delete_schedule":
		return h.deleteSchedule(ctx, cmd.Payload)
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		return map[string]any{"error": "unknown command: " + cmd.Type}
	}
}

func failure(err error) map[string]any {
	return map[string]any{"error": err.Error(), "code": fault.Code(err)}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (h *Handler) respondApproval(sec security.Context, payload json.RawMessage) map[string]any {
	var in approval.RespondToToolApprovalInput
	if err := decode(payload, &in); err != nil {
		return failure(err)
	}
	if in.ConversationID == "" || in.PendingID == "" {
		return map[string]any{"error": "conversationId and pendingId are required"}
	}
	if !h.validator.ValidatePermissions(sec, []string{security.PermToolApprove}, "approval:respond") {
		return failure(fault.Unauthorized("user %q may not answer approvals", sec.UserID))
	}
	in.UserID = sec.UserID

	res := h.approvals.RespondToToolApproval(in)
	if !res.Success {
		return map[string]any{"error": res.Error}
	}
	slog.Info("approval answered via IPC", "pending", in.PendingID, "approved", in.Approved, "user", sec.UserID)
	return map[string]any{"ok": true}
}

func (h *Handler) listApprovals(payload json.RawMessage) map[string]any {
	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decode(payload, &req); err != nil {
		return failure(err)
	}
	return map[string]any{"ok": true, "approvals": h.approvals.List(req.ConversationID)}
}

func (h *Handler) listSwarms(ctx context.Context, sec security.Context, payload json.RawMessage) map[string]any {
	var req struct {
		State string `json:"state"`
		User  string `json:"user"`
	}
	if err := decode(payload, &req); err != nil {
		return failure(err)
	}
	f := engine.ListFilter{UserID: req.User}
	if req.State != "" {
		st, err := swarm.ParseState(req.State)
		if err != nil {
			return failure(err)
		}
		f.State = st
	}
	list, err := h.engine.ListSwarms(ctx, sec, f)
	if err != nil {
		return failure(err)
	}
	if list == nil {
		list = []*swarm.Swarm{}
	}
	return map[string]any{"ok": true, "swarms": list}
}

type swarmRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) stopSwarm(ctx context.Context, sec security.Context, payload json.RawMessage) map[string]any {
	var req swarmRequest
	if err := decode(payload, &req); err != nil {
		return failure(err)
	}
	id, err := ids.ParseSwarmID(req.ID)
	if err != nil {
		return failure(err)
	}
	sw, err := h.engine.StopSwarm(ctx, sec, id)
	if err != nil {
		return failure(err)
	}
	return map[string]any{"ok": true, "swarm": sw}
}

func (h *Handler) cancelSwarm(ctx context.Context, sec security.Context, payload json.RawMessage) map[string]any {
	var req swarmRequest
	if err := decode(payload, &req); err != nil {
		return failure(err)
	}
	id, err := ids.ParseSwarmID(req.ID)
	if err != nil {
		return failure(err)
	}
	sw, err := h.engine.CancelSwarm(ctx, sec, id, req.Reason)
	if err != nil {
		return failure(err)
	}
	slog.Info("swarm cancelled via IPC", "swarm", id, "user", sec.UserID)
	return map[string]any{"ok": true, "swarm": sw}
}

func (h *Handler) createSchedule(ctx context.Context, sec security.Context, payload json.RawMessage) map[string]any {
	var req struct {
		SwarmID      string   `json:"swarmId"`
		Name         string   `json:"name"`
		Schedule     string   `json:"schedule"`
		Participants []string `json:"participants"`
		Reason       string   `json:"reason"`
		User         string   `json:"user"`
		Team         string   `json:"team"`
	}
	if err := decode(payload, &req); err != nil {
		return failure(err)
	}
	if req.SwarmID == "" || req.Name == "" || req.Schedule == "" {
		return map[string]any{"error": "swarmId, name, and schedule are required"}
	}
	if _, err := ids.ParseSwarmID(req.SwarmID); err != nil {
		return failure(err)
	}
	if _, err := ids.ParseBotIDs(req.Participants); err != nil {
		return failure(err)
	}

	now := h.now()
	normalized, err := schedule.Normalize(req.Schedule, now)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("invalid schedule: %v", err)}
	}

	owner := req.User
	if owner == "" {
		owner = sec.UserID
	}
	t := &store.ScheduledTurn{
		ID:           uuid.New().String(),
		SwarmID:      req.SwarmID,
		UserID:       owner,
		TeamID:       req.Team,
		Name:         req.Name,
		Schedule:     normalized,
		Participants: req.Participants,
		Reason:       req.Reason,
		Status:       scheduler.StatusActive,
		NextRunAt:    schedule.Next(normalized, now),
	}
	if err := h.schedules.SaveScheduledTurn(ctx, t); err != nil {
		return map[string]any{"error": fmt.Sprintf("save failed: %v", err)}
	}

	slog.Info("schedule created via IPC", "id", t.ID, "name", t.Name, "swarm", t.SwarmID)
	return map[string]any{"ok": true, "id": t.ID, "description": schedule.Describe(normalized)}
}

type scheduleEntry struct {
	ID           string     `json:"id"`
	SwarmID      string     `json:"swarmId"`
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Description  string     `json:"description"`
	Participants []string   `json:"participants"`
	Status       string     `json:"status"`
	NextRunAt    *time.Time `json:"nextRunAt,omitempty"`
	LastStatus   string     `json:"lastStatus,omitempty"`
}

func (h *Handler) listSchedules(ctx context.Context, payload json.RawMessage) map[string]any {
	var req struct {
		SwarmID string `json:"swarmId"`
	}
	if err := decode(payload, &req); err != nil {
		return failure(err)
	}

	var (
		list []store.ScheduledTurn
		err  error
	)
	if req.SwarmID != "" {
		list, err = h.schedules.ListScheduledTurnsForSwarm(ctx, req.SwarmID)
	} else {
		list, err = h.schedules.ListScheduledTurns(ctx)
	}
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("list failed: %v", err)}
	}

	out := make([]scheduleEntry, 0, len(list))
	for _, t := range list {
		out = append(out, scheduleEntry{
			ID:           t.ID,
			SwarmID:      t.SwarmID,
			Name:         t.Name,
			Schedule:     t.Schedule,
			Description:  schedule.Describe(t.Schedule),
			Participants: t.Participants,
			Status:       t.Status,
			NextRunAt:    t.NextRunAt,
			LastStatus:   t.LastStatus,
		})
	}
	return map[string]any{"ok": true, "schedules": out}
}

func (h *Handler) deleteSchedule(ctx context.Context, payload json.RawMessage) map[string]any {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(payload, &req); err != nil || req.ID == "" {
		return map[string]any{"error": "id is required"}
	}
	if err := h.schedules.DeleteScheduledTurn(ctx, req.ID); err != nil {
		return map[string]any{"error": fmt.Sprintf("delete failed: %v", err)}
	}
	slog.Info("schedule deleted via IPC", "id", req.ID)
	return map[string]any{"ok": true}
}
