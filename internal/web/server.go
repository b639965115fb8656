// Package web serves the operator HTTP API and a websocket bridge for bus
// events and approval responses.
package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/config"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/engine"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 30 * 24 * time.Hour // 30 days

	// Headers naming the caller behind a shared API password.
	headerUser = "X-Tierflow-User"
	headerTeam = "X-Tierflow-Team"

	anonymousUser = "web"
)

// Engine is the slice of the engine the API drives.
type Engine interface {
	GetSwarm(ctx context.Context, sec security.Context, id ids.SwarmID) (*swarm.Swarm, error)
	ListSwarms(ctx context.Context, sec security.Context, f engine.ListFilter) ([]*swarm.Swarm, error)
	SwarmResources(ctx context.Context, sec security.Context, id ids.SwarmID) (resources.Snapshot, error)
	HandleTrigger(ctx context.Context, sec security.Context, id ids.SwarmID, t conversation.Trigger) (*conversation.TurnResult, error)
	StopSwarm(ctx context.Context, sec security.Context, id ids.SwarmID) (*swarm.Swarm, error)
	CancelSwarm(ctx context.Context, sec security.Context, id ids.SwarmID, reason string) (*swarm.Swarm, error)
	PurgeSwarm(ctx context.Context, sec security.Context, id ids.SwarmID) (string, error)
}

type Server struct {
	engine    Engine
	approvals *approval.Service
	validator *security.Validator
	bus       events.Bus
	subs      []events.Subscription
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	sessionMu sync.Mutex
	sessions  map[string]time.Time // token → expiry
}

func NewServer(eng Engine, approvals *approval.Service, validator *security.Validator, bus events.Bus, cfg config.WebConfig, version string) *Server {
	return &Server{
		engine:    eng,
		approvals: approvals,
		validator: validator,
		bus:       bus,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		sessions:  make(map[string]time.Time),
	}
}

// Handler returns the routed API with auth and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth endpoints (public)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(mux)

	mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	if err := s.subscribeEvents(); err != nil {
		return err
	}
	defer s.unsubscribe()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+headerUser+", "+headerTeam)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if r.URL.Path == "/api/login" || r.URL.Path == "/api/auth/check" {
				next.ServeHTTP(w, r)
				return
			}
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// securityContext builds the caller's context. The user is the Basic Auth
// username when present, else the user header, else "web".
func (s *Server) securityContext(r *http.Request, operation string) security.Context {
	user := r.Header.Get(headerUser)
	if name, _, ok := r.BasicAuth(); ok && name != "" {
		user = name
	}
	if user == "" {
		user = anonymousUser
	}
	return security.NewContext(user, r.Header.Get(headerTeam), s.cfg.Permissions, security.OriginHTTP, resources.TierSwarm, operation)
}

// checkAuth validates session cookie or Basic Auth. Returns true if authenticated.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.touchSession(w, cookie.Value) {
		return true
	}

	// Fall back to Basic Auth (for programmatic API access)
	if _, pass, ok := r.BasicAuth(); ok && pass == s.cfg.Auth {
		return true
	}

	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

// touchSession refreshes a live session and drops an expired one.
func (s *Server) touchSession(w http.ResponseWriter, token string) bool {
	s.sessionMu.Lock()
	expiry, ok := s.sessions[token]
	if ok && time.Now().Before(expiry) {
		s.sessions[token] = time.Now().Add(sessionMaxAge)
		s.sessionMu.Unlock()
		s.setSessionCookie(w, token)
		return true
	}
	if ok {
		delete(s.sessions, token)
	}
	s.sessionMu.Unlock()
	return false
}

func (s *Server) createSession() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.sessionMu.Lock()
	s.sessions[token] = time.Now().Add(sessionMaxAge)
	s.sessionMu.Unlock()

	return token, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Password != s.cfg.Auth {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.createSession()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}

	s.setSessionCookie(w, token)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		delete(s.sessions, cookie.Value)
		s.sessionMu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	// No auth configured, the UI skips login
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.touchSession(w, cookie.Value) {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// Topics forwarded to websocket clients.
var socketTopics = []string{
	events.TopicApproval,
	events.TopicSwarmLifecycle,
	events.TopicTurns,
	events.TopicSwarmResources,
}

func (s *Server) subscribeEvents() error {
	if s.bus == nil {
		return nil
	}
	for _, topic := range socketTopics {
		sub, err := s.bus.Subscribe(topic, s.forward)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Server) forward(topic string, ev events.Event) {
	s.hub.Broadcast(Event{Type: ev.Type, Topic: topic, Payload: ev})
}

func (s *Server) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}
