// Package gateway is the HTTP + WebSocket surface. Every REST response uses
// the {ok,data}/{ok,error} envelope; the WebSocket fans broadcast-hub events
// out to connected clients.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/internal/config"
	"github.com/nextlevelbuilder/foreman/internal/kanban"
	"github.com/nextlevelbuilder/foreman/internal/orchestrator"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

// Agents is the slice of the orchestrator the API exposes.
type Agents interface {
	SpawnAgent(ctx context.Context, req orchestrator.SpawnRequest) (*orchestrator.AgentProcess, error)
	StopAgent(cardID string) error
	GetRunningAgents() []orchestrator.AgentProcess
	GetAgentLogs(cardID string, limit int) ([]string, error)
	Metrics() orchestrator.Metrics
}

// Briefs accepts free-form task briefs (the scheduler implements it).
type Briefs interface {
	SubmitTaskBrief(ctx context.Context, projectID, text string, immediate bool) (*store.Card, error)
}

// Server hosts the REST API and the event WebSocket.
type Server struct {
	cfg    *config.Config
	hub    *bus.Hub
	store  *store.Store
	queue  *kanban.Queue
	agents Agents
	briefs Briefs

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu      sync.RWMutex
	clients map[uint64]*wsClient
	nextID  uint64

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, hub *bus.Hub, st *store.Store, q *kanban.Queue, agents Agents, briefs Briefs) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     hub,
		store:   st,
		queue:   q,
		agents:  agents,
		briefs:  briefs,
		clients: make(map[uint64]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	if rpm := cfg.Gateway.RateLimitRPM; rpm > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}
	return s
}

// BuildMux registers all routes and caches the mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Projects.
	mux.HandleFunc("POST /projects", s.guard(s.handleCreateProject))
	mux.HandleFunc("GET /projects", s.guard(s.handleListProjects))
	mux.HandleFunc("GET /projects/{id}", s.guard(s.handleGetProject))
	mux.HandleFunc("PUT /projects/{id}", s.guard(s.handleUpdateProject))
	mux.HandleFunc("DELETE /projects/{id}", s.guard(s.handleDeleteProject))
	mux.HandleFunc("GET /projects/{id}/audit", s.guard(s.handleProjectAudit))
	mux.HandleFunc("GET /projects/{id}/usage", s.guard(s.handleProjectUsage))

	// Cards.
	mux.HandleFunc("POST /projects/{id}/cards", s.guard(s.handleCreateCard))
	mux.HandleFunc("GET /projects/{id}/cards", s.guard(s.handleListCards))
	mux.HandleFunc("PUT /projects/{id}/cards/{cid}", s.guard(s.handleUpdateCard))
	mux.HandleFunc("DELETE /projects/{id}/cards/{cid}", s.guard(s.handleDeleteCard))
	mux.HandleFunc("POST /projects/{id}/cards/{cid}/move", s.guard(s.handleMoveCard))
	mux.HandleFunc("POST /projects/{id}/cards/{cid}/skip", s.guard(s.handleSkipCard))
	mux.HandleFunc("POST /projects/{id}/cards/{cid}/context", s.guard(s.handleCardContext))

	// Documents and decisions.
	mux.HandleFunc("POST /projects/{id}/documents", s.guard(s.handleCreateDocument))
	mux.HandleFunc("GET /projects/{id}/documents", s.guard(s.handleListDocuments))
	mux.HandleFunc("PUT /documents/{id}", s.guard(s.handleUpdateDocument))
	mux.HandleFunc("DELETE /documents/{id}", s.guard(s.handleDeleteDocument))
	mux.HandleFunc("POST /projects/{id}/decisions", s.guard(s.handleCreateDecision))
	mux.HandleFunc("GET /projects/{id}/decisions", s.guard(s.handleListDecisions))

	// Operator message log (encrypted at rest).
	mux.HandleFunc("POST /projects/{id}/messages", s.guard(s.handleAppendMessage))
	mux.HandleFunc("GET /projects/{id}/messages", s.guard(s.handleListMessages))
	mux.HandleFunc("POST /projects/{id}/messages/archive", s.guard(s.handleArchiveConversation))

	// Agents.
	mux.HandleFunc("POST /agents/spawn", s.guard(s.handleSpawnAgent))
	mux.HandleFunc("GET /agents", s.guard(s.handleListAgents))
	mux.HandleFunc("DELETE /agents/{cid}", s.guard(s.handleStopAgent))
	mux.HandleFunc("GET /agents/{cid}/logs", s.guard(s.handleAgentLogs))

	// Heartbeat intake, search, steering.
	mux.HandleFunc("POST /heartbeat/submit", s.guard(s.handleSubmitBrief))
	mux.HandleFunc("GET /search", s.guard(s.handleSearch))
	mux.HandleFunc("POST /steering", s.guard(s.handleCreateCorrection))
	mux.HandleFunc("GET /steering", s.guard(s.handleListCorrections))
	mux.HandleFunc("PUT /steering/{id}", s.guard(s.handleSetCorrectionActive))
	mux.HandleFunc("DELETE /steering/{id}", s.guard(s.handleDeleteCorrection))

	s.mux = mux
	return mux
}

// guard wraps a handler with bearer auth and the global rate limit.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorize(r, s.cfg.Gateway.Token) {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// Start serves until ctx ends, then drains with a short grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleHealth reports liveness plus run counters. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"protocol":    protocol.ProtocolVersion,
		"agents":      s.agents.Metrics(),
		"subscribers": s.hub.SubscriberCount(),
	})
}
