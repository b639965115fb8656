package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/engine"
	"github.com/mtzanidakis/tierflow/internal/fault"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

const maxBodyBytes = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("GET /api/swarms/{id}/resources", s.getSwarmResources)
	mux.HandleFunc("POST /api/swarms/{id}/triggers", s.postTrigger)
	mux.HandleFunc("POST /api/swarms/{id}/stop", s.stopSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/cancel", s.cancelSwarm)
	mux.HandleFunc("DELETE /api/swarms/{id}", s.deleteSwarm)

	// Approvals
	mux.HandleFunc("GET /api/approvals", s.listApprovals)
	mux.HandleFunc("POST /api/approvals/respond", s.respondApproval)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	f := engine.ListFilter{UserID: r.URL.Query().Get("user")}
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := swarm.ParseState(raw)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.State = st
	}

	list, err := s.engine.ListSwarms(r.Context(), s.securityContext(r, "swarm:list"), f)
	if err != nil {
		faultError(w, err)
		return
	}
	if list == nil {
		list = []*swarm.Swarm{}
	}
	jsonResponse(w, list)
}

// swarmID reads and validates the {id} path value.
func swarmID(w http.ResponseWriter, r *http.Request) (ids.SwarmID, bool) {
	id, err := ids.ParseSwarmID(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	id, ok := swarmID(w, r)
	if !ok {
		return
	}
	sw, err := s.engine.GetSwarm(r.Context(), s.securityContext(r, "swarm:get"), id)
	if err != nil {
		faultError(w, err)
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) getSwarmResources(w http.ResponseWriter, r *http.Request) {
	id, ok := swarmID(w, r)
	if !ok {
		return
	}
	snap, err := s.engine.SwarmResources(r.Context(), s.securityContext(r, "swarm:resources"), id)
	if err != nil {
		faultError(w, err)
		return
	}
	jsonResponse(w, snap)
}

func (s *Server) postTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := swarmID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t, err := conversation.UnmarshalTrigger(body)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sec := s.securityContext(r, "swarm:trigger")
	if um, ok := t.(conversation.UserMessage); ok {
		if um.Message.Sender == "" {
			um.Message.Sender = sec.UserID
		}
		if um.Message.Role == "" {
			um.Message.Role = conversation.RoleUser
		}
		t = um
	}

	res, err := s.engine.HandleTrigger(r.Context(), sec, id, t)
	if err != nil {
		faultError(w, err)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) stopSwarm(w http.ResponseWriter, r *http.Request) {
	id, ok := swarmID(w, r)
	if !ok {
		return
	}
	sw, err := s.engine.StopSwarm(r.Context(), s.securityContext(r, "swarm:stop"), id)
	if err != nil {
		faultError(w, err)
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) cancelSwarm(w http.ResponseWriter, r *http.Request) {
	id, ok := swarmID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	// An empty body is a cancel without reason.
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sw, err := s.engine.CancelSwarm(r.Context(), s.securityContext(r, "swarm:cancel"), id, body.Reason)
	if err != nil {
		faultError(w, err)
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) deleteSwarm(w http.ResponseWriter, r *http.Request) {
	id, ok := swarmID(w, r)
	if !ok {
		return
	}
	archived, err := s.engine.PurgeSwarm(r.Context(), s.securityContext(r, "swarm:purge"), id)
	if err != nil {
		faultError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted", "archive": archived})
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	sec := s.securityContext(r, "approval:list")
	if !s.validator.ValidatePermissions(sec, []string{security.PermToolApprove}, "approval:list") {
		faultError(w, fault.Unauthorized("user %q may not view approvals", sec.UserID))
		return
	}
	jsonResponse(w, s.approvals.List(r.URL.Query().Get("conversationId")))
}

func (s *Server) respondApproval(w http.ResponseWriter, r *http.Request) {
	var in approval.RespondToToolApprovalInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if in.ConversationID == "" || in.PendingID == "" {
		jsonError(w, "conversationId and pendingId are required", http.StatusBadRequest)
		return
	}

	sec := s.securityContext(r, "approval:respond")
	if !s.validator.ValidatePermissions(sec, []string{security.PermToolApprove}, "approval:respond") {
		faultError(w, fault.Unauthorized("user %q may not answer approvals", sec.UserID))
		return
	}
	in.UserID = sec.UserID

	if _, err := s.approvals.Respond(in); err != nil {
		faultError(w, err)
		return
	}
	jsonResponse(w, approval.Response{Success: true})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	active := 0
	if list, err := s.engine.ListSwarms(r.Context(), s.securityContext(r, "status"), engine.ListFilter{}); err == nil {
		active = len(list)
	}

	jsonResponse(w, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"active_swarms":     active,
		"pending_approvals": len(s.approvals.List("")),
		"ws_clients":        s.hub.Len(),
		"timestamp":         time.Now().UTC(),
	})
}

// statusCode maps an error kind to an HTTP status.
func statusCode(err error) int {
	switch fault.Code(err) {
	case "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "rate_limited":
		return http.StatusTooManyRequests
	case "resource_exhausted":
		return http.StatusUnprocessableEntity
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func faultError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": fault.Code(err)})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
