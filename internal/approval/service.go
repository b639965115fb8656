package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
)

const eventSource = "approval"

type entry struct {
	pending Pending
	done    chan Result
	timer   *time.Timer
}

type tombstone struct {
	status     Status
	chatID     string
	resolvedAt time.Time
}

// Service tracks pending approvals. Resolved approvals leave a tombstone for
// the retention period; after that only the pendingId and its conversation
// are kept, until Forget, so late responses always get a Conflict.
type Service struct {
	mu        sync.Mutex
	pending   map[string]*entry
	resolved  map[string]tombstone
	settled   map[string]string
	bus       events.Publisher
	timeout   time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewService(bus events.Publisher, timeout, retention time.Duration) *Service {
	if bus == nil {
		bus = events.Discard
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Service{
		pending:   make(map[string]*entry),
		resolved:  make(map[string]tombstone),
		settled:   make(map[string]string),
		bus:       bus,
		timeout:   timeout,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetTimeout changes the window for approvals requested from now on.
func (s *Service) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Request opens a pending approval and emits APPROVAL_REQUIRED. The returned
// channel receives the Result exactly once.
func (s *Service) Request(req Request) (Pending, <-chan Result, error) {
	if req.ToolCallID == "" || req.ToolName == "" {
		return Pending{}, nil, fmt.Errorf("approval request needs toolCallId and toolName")
	}

	s.mu.Lock()
	now := s.now()
	e := &entry{
		pending: Pending{
			Request:   req,
			PendingID: uuid.New().String(),
			CreatedAt: now,
			ExpiresAt: now.Add(s.timeout),
		},
		done: make(chan Result, 1),
	}
	id := e.pending.PendingID
	s.pending[id] = e
	e.timer = time.AfterFunc(s.timeout, func() { s.expire(id, ReasonTimeout) })
	p := e.pending
	s.mu.Unlock()

	s.publish(events.TypeApprovalRequired, map[string]any{
		"pendingId":   p.PendingID,
		"toolCallId":  p.ToolCallID,
		"toolName":    p.ToolName,
		"callerBotId": string(p.CallerBotID),
		"chatId":      p.ChatID,
		"swarmId":     string(p.SwarmID),
		"arguments":   string(p.Arguments),
		"expiresAt":   p.ExpiresAt.Format(time.RFC3339Nano),
	})
	slog.Info("tool approval requested", "pending", p.PendingID, "tool", p.ToolName, "bot", p.CallerBotID, "swarm", p.SwarmID)
	return p, e.done, nil
}

// Await requests an approval and blocks until it is resolved. When ctx ends
// first the approval is resolved as TIMED_OUT with reason "cancelled".
func (s *Service) Await(ctx context.Context, req Request) (Result, error) {
	p, ch, err := s.Request(req)
	if err != nil {
		return Result{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		s.expire(p.PendingID, ReasonCancelled)
		return <-ch, nil
	}
}

// Respond resolves a pending approval. A second response for the same
// pendingId fails with Conflict.
func (s *Service) Respond(in RespondToToolApprovalInput) (Result, error) {
	s.mu.Lock()
	e, ok := s.pending[in.PendingID]
	if !ok {
		t, seen := s.resolved[in.PendingID]
		_, settled := s.settled[in.PendingID]
		s.mu.Unlock()
		switch {
		case seen:
			return Result{}, fault.Conflict("approval %s already %s", in.PendingID, t.status)
		case settled:
			return Result{}, fault.Conflict("approval %s already resolved", in.PendingID)
		}
		return Result{}, fault.NotFound("approval %s", in.PendingID)
	}
	if e.pending.ChatID != in.ConversationID {
		s.mu.Unlock()
		return Result{}, fault.NotFound("approval %s in conversation %s", in.PendingID, in.ConversationID)
	}

	now := s.now()
	r := Result{
		PendingID:        in.PendingID,
		Approved:         in.Approved,
		ApprovalDuration: now.Sub(e.pending.CreatedAt),
	}
	if in.Approved {
		r.Status = StatusApproved
		r.ApprovedBy = in.UserID
	} else {
		r.Status = StatusRejected
		r.RejectedBy = in.UserID
		r.Reason = in.Reason
	}
	s.resolveLocked(e, r, now)
	s.mu.Unlock()

	data := map[string]any{
		"pendingId":          r.PendingID,
		"toolCallId":         e.pending.ToolCallID,
		"toolName":           e.pending.ToolName,
		"chatId":             e.pending.ChatID,
		"swarmId":            string(e.pending.SwarmID),
		"status":             string(r.Status),
		"approved":           r.Approved,
		"approvalDurationMs": r.ApprovalDuration.Milliseconds(),
	}
	if r.Approved {
		data["approvedBy"] = r.ApprovedBy
	} else {
		data["rejectedBy"] = r.RejectedBy
		data["reason"] = r.Reason
	}
	s.publish(events.TypeApprovalResolved, data)
	slog.Info("tool approval resolved", "pending", r.PendingID, "status", r.Status)
	return r, nil
}

// RespondToToolApproval is Respond in the external API shape.
func (s *Service) RespondToToolApproval(in RespondToToolApprovalInput) Response {
	if _, err := s.Respond(in); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true}
}

// CancelSwarm times out every pending approval of a swarm with reason
// "cancelled" and returns how many there were.
func (s *Service) CancelSwarm(swarmID ids.SwarmID) int {
	s.mu.Lock()
	var victims []string
	for id, e := range s.pending {
		if e.pending.SwarmID == swarmID {
			victims = append(victims, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range victims {
		if s.expire(id, ReasonCancelled) {
			n++
		}
	}
	return n
}

// expire resolves id as TIMED_OUT. It reports false if id was already
// resolved.
func (s *Service) expire(id, reason string) bool {
	s.mu.Lock()
	e, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	r := Result{
		PendingID:        id,
		Status:           StatusTimedOut,
		Reason:           reason,
		ApprovalDuration: now.Sub(e.pending.CreatedAt),
	}
	s.resolveLocked(e, r, now)
	s.mu.Unlock()

	s.publish(events.TypeApprovalTimeout, map[string]any{
		"pendingId":  id,
		"toolCallId": e.pending.ToolCallID,
		"toolName":   e.pending.ToolName,
		"chatId":     e.pending.ChatID,
		"swarmId":    string(e.pending.SwarmID),
		"status":     string(StatusTimedOut),
		"reason":     reason,
	})
	slog.Info("tool approval timed out", "pending", id, "reason", reason)
	return true
}

func (s *Service) resolveLocked(e *entry, r Result, now time.Time) {
	id := e.pending.PendingID
	delete(s.pending, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	s.resolved[id] = tombstone{status: r.Status, chatID: e.pending.ChatID, resolvedAt: now}
	e.done <- r
}

// List returns pending approvals, oldest first. An empty conversationID
// lists every conversation.
func (s *Service) List(conversationID string) []Pending {
	s.mu.Lock()
	out := make([]Pending, 0, len(s.pending))
	for _, e := range s.pending {
		if conversationID == "" || e.pending.ChatID == conversationID {
			out = append(out, e.pending)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PendingID < out[j].PendingID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Status reports the state of a pendingId.
func (s *Service) Status(pendingID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[pendingID]; ok {
		return StatusRequested, true
	}
	if t, ok := s.resolved[pendingID]; ok {
		return t.status, true
	}
	return "", false
}

// Sweep compacts tombstones older than the retention period down to their
// pendingId and conversation.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.resolved {
		if now.Sub(t.resolvedAt) >= s.retention {
			delete(s.resolved, id)
			s.settled[id] = t.chatID
			n++
		}
	}
	return n
}

// Forget drops everything remembered about the resolved approvals of a
// conversation. Called once the conversation itself is gone.
func (s *Service) Forget(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.resolved {
		if t.chatID == conversationID {
			delete(s.resolved, id)
			n++
		}
	}
	for id, chat := range s.settled {
		if chat == conversationID {
			delete(s.settled, id)
			n++
		}
	}
	return n
}

func (s *Service) Start(ctx context.Context) {
	interval := min(s.retention, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				slog.Debug("approval tombstones swept", "count", n)
			}
		}
	}
}

func (s *Service) publish(eventType string, data map[string]any) {
	s.bus.Publish(events.TopicApproval, events.New(eventType, eventSource, data))
}
