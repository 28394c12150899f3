// Package routing implements the Routing Shell (C6): the HTTP + WebSocket
// surface in front of the Session Actor registry. It authenticates every
// non-health request against the DB Client, enforces a per-user rate
// limit, maps a session id to its owning actor, and dispatches commands.
package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentsession/internal/actor"
	"github.com/ashureev/agentsession/internal/broadcaster"
	"github.com/ashureev/agentsession/internal/dbclient"
	"github.com/ashureev/agentsession/internal/domain"
	"github.com/ashureev/agentsession/internal/durable"
	"github.com/ashureev/agentsession/internal/sandbox"
)

// Shell owns the session-actor registry and wires every HTTP/WS route to
// it. One Shell serves an entire process.
type Shell struct {
	db          dbclient.Client
	store       durable.Store
	provider    sandbox.Provider
	agentClient *sandbox.AgentServerClient
	dbSiteURL   string

	limiter *RateLimiter

	actorsMu sync.Mutex
	actors   map[string]*actor.Actor
}

// NewShell constructs a Shell. dbSiteURL is the deployment-wide external DB
// site the actor reports status/messages to; the create-session body only
// carries {sessionId, repo, selectedModel?, provider?}, so the DB site comes
// from configuration rather than the caller. rateLimitWindow
// and rateLimitMax configure the per-user token bucket.
func NewShell(db dbclient.Client, store durable.Store, provider sandbox.Provider, agentClient *sandbox.AgentServerClient, dbSiteURL string, rateLimitWindow time.Duration, rateLimitMax int) *Shell {
	return &Shell{
		db:          db,
		store:       store,
		provider:    provider,
		agentClient: agentClient,
		dbSiteURL:   dbSiteURL,
		limiter:     NewRateLimiter(rateLimitWindow, rateLimitMax),
		actors:      make(map[string]*actor.Actor),
	}
}

// Routes registers every route from §6 on r except the unauthenticated
// GET /health, which the caller registers itself.
func (s *Shell) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		// handleWebSocket authenticates itself via the Sec-WebSocket-Protocol
		// subprotocol (browsers cannot set an Authorization header on an
		// upgrade request), so it is registered outside s.authenticate.
		r.Get("/{sessionID}/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/", s.handleCreateSession)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Post("/{sessionID}/prompt", s.handlePrompt)
			r.Post("/{sessionID}/pause", s.handlePause)
			r.Post("/{sessionID}/resume", s.handleResume)
			r.Delete("/{sessionID}", s.handleStop)
		})
	})
}

// actorFor returns the actor owning sessionID, creating and registering a
// fresh one on first use. A fresh actor hydrates from durable storage, so
// this is safe across process restarts.
func (s *Shell) actorFor(ctx context.Context, sessionID string) (*actor.Actor, error) {
	s.actorsMu.Lock()
	defer s.actorsMu.Unlock()

	if a, ok := s.actors[sessionID]; ok {
		return a, nil
	}

	a, err := actor.New(ctx, sessionID, s.store, s.provider, s.agentClient, s.db, broadcaster.New())
	if err != nil {
		return nil, err
	}
	s.actors[sessionID] = a
	return a, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("routing: encode response failed", "error", err)
	}
}

// writeError maps err to the §7 taxonomy's HTTP status and body, falling
// back to 500 for anything untyped.
func writeError(w http.ResponseWriter, err error) {
	status, body := domain.HandleHTTPError(err)
	writeJSON(w, status, body)
}

func sessionIDFromPath(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}
