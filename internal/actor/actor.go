// Package actor implements the Session Actor (C5): a single-writer,
// per-session state machine owning a domain.SessionState, wrapping the
// sandbox client, DB client, event normalizer, and streaming broadcaster.
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/agentsession/internal/broadcaster"
	"github.com/ashureev/agentsession/internal/dbclient"
	"github.com/ashureev/agentsession/internal/domain"
	"github.com/ashureev/agentsession/internal/durable"
	"github.com/ashureev/agentsession/internal/sandbox"
)

const (
	stateKey       = "session"
	dbSiteURLKey   = "dbSiteUrl"
	bearerTokenKey = "bearerToken"

	streamingCheckpointInterval = 2 * time.Second
	idleWaitTimeout             = 5 * time.Minute
	sseWarmupTimeout            = 3 * time.Second
	finalizeGrace               = 200 * time.Millisecond
	recoveryFetchTimeout        = 10 * time.Second
)

// Actor is the Session Actor: it owns one SessionState and serializes every
// mutating command against it.
type Actor struct {
	sessionID string

	store       durable.Store
	provider    sandbox.Provider
	agentClient *sandbox.AgentServerClient
	db          dbclient.Client
	broadcast   *broadcaster.Broadcaster

	// cmdMu serializes every mutating command (initialize/prompt/pause/
	// resume/stop) to completion, the §4.5.1 single-writer discipline.
	cmdMu sync.Mutex

	// stateMu guards reads/writes of state so getState and the
	// broadcaster can observe a consistent snapshot while a long-running
	// command (e.g. prompt) still holds cmdMu.
	stateMu sync.RWMutex
	state   *domain.SessionState

	bearerToken string
	dbSiteURL   string

	inFlightMu sync.Mutex
	cancelInFlight context.CancelFunc
}

// New constructs an actor for sessionID, hydrating from store. Hydration
// blocks all concurrent work until it completes, per §4.5.1.
func New(ctx context.Context, sessionID string, store durable.Store, provider sandbox.Provider, agentClient *sandbox.AgentServerClient, db dbclient.Client, bc *broadcaster.Broadcaster) (*Actor, error) {
	a := &Actor{
		sessionID:   sessionID,
		store:       store,
		provider:    provider,
		agentClient: agentClient,
		db:          db,
		broadcast:   bc,
	}

	raw, found, err := store.Get(ctx, sessionID, stateKey)
	if err != nil {
		return nil, fmt.Errorf("hydrate session %s: %w", sessionID, err)
	}
	if found {
		var state domain.SessionState
		if jsonErr := json.Unmarshal(raw, &state); jsonErr != nil {
			return nil, fmt.Errorf("hydrate session %s: decode state: %w", sessionID, jsonErr)
		}
		a.state = &state
	}

	if raw, found, err := store.Get(ctx, sessionID, dbSiteURLKey); err == nil && found {
		a.dbSiteURL = string(raw)
	}
	if raw, found, err := store.Get(ctx, sessionID, bearerTokenKey); err == nil && found {
		a.bearerToken = string(raw)
	}

	return a, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// GetState returns a client-facing snapshot. It does not participate in
// the mutating-command serialization.
func (a *Actor) GetState() *domain.SessionStateView {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	if a.state == nil {
		return nil
	}
	return a.state.View()
}

// Attach registers ws with the broadcaster and sends it an immediate state
// frame, scheduling an async health probe if the session looks live.
func (a *Actor) Attach(ctx context.Context, ws *websocket.Conn) uint64 {
	view := a.GetState()
	return a.broadcast.Attach(ctx, ws, view, a.probeAndRecover)
}

// Detach removes a socket previously returned by Attach.
func (a *Actor) Detach(id uint64) {
	a.broadcast.Detach(id)
}

// probeAndRecover is the async health probe scheduled on attach (§4.4): it
// never mutates state directly from outside a command, so a positive
// finding here is advisory only — the next prompt/pause/resume command
// re-derives reachability itself.
func (a *Actor) probeAndRecover(ctx context.Context) {
	view := a.GetState()
	if view == nil || view.SandboxURL == "" {
		return
	}
	if !a.agentClient.ProbeHealth(ctx, view.SandboxURL) {
		slog.Warn("actor: attach-time health probe failed", "session_id", a.sessionID, "sandbox_url", view.SandboxURL)
	}
}

// withState runs fn against the live state under stateMu, for the short
// read-modify-write critical sections inside command handlers. Callers
// must already hold cmdMu.
func (a *Actor) withState(fn func(s *domain.SessionState)) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	fn(a.state)
}

// persist durably writes the current state and advances updatedAt,
// enforcing invariant 6. Callers must hold cmdMu.
func (a *Actor) persist(ctx context.Context) error {
	a.stateMu.Lock()
	a.state.Touch(nowMs())
	if problems := a.state.CheckInvariants(); len(problems) > 0 {
		slog.Error("actor: invariant violation before persist", "session_id", a.sessionID, "problems", problems)
	}
	raw, err := json.Marshal(a.state)
	a.stateMu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	return a.store.Put(ctx, a.sessionID, stateKey, raw)
}

// broadcastState sends the current state as a state frame.
func (a *Actor) broadcastState() {
	a.broadcast.BroadcastState(a.GetState())
}

// BroadcastError sends an error frame to every attached socket without
// closing any of them, for malformed client frames on the WS route.
func (a *Actor) BroadcastError(message string) {
	a.broadcast.BroadcastError(message)
}

// syncStatus is the best-effort C2 upsertStatus call; its result is never
// allowed to affect the in-memory state machine.
func (a *Actor) syncStatus(ctx context.Context) {
	view := a.GetState()
	if view == nil {
		return
	}
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.db.UpsertStatus(bgCtx, dbclient.StatusUpdate{
			SessionID:    view.SessionID,
			Status:       string(view.Status),
			IsProcessing: view.IsProcessing,
			SnapshotID:   view.SnapshotID,
			ErrorMessage: view.Error,
		}); err != nil {
			slog.Debug("actor: upsertStatus failed", "session_id", a.sessionID, "error", err)
		}
	}()
	_ = ctx
}

// syncMessage is the fire-and-forget C2 upsertMessage call.
func (a *Actor) syncMessage(msg domain.Message) {
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.db.UpsertMessage(bgCtx, dbclient.MessageUpsert{
			SessionID: a.sessionID,
			MessageID: msg.ID,
			Role:      string(msg.Role),
			Parts:     msg.Parts,
			Timestamp: time.UnixMilli(msg.Timestamp),
		}); err != nil {
			slog.Debug("actor: upsertMessage failed", "session_id", a.sessionID, "message_id", msg.ID, "error", err)
		}
	}()
}

func freshID() string { return uuid.NewString() }

// setInFlight records the cancel func for the currently running
// sandbox-bound operation (SSE subscription, pause, resume), so Stop can
// cancel it. Callers must call with nil to clear once the operation ends.
func (a *Actor) setInFlight(cancel context.CancelFunc) {
	a.inFlightMu.Lock()
	defer a.inFlightMu.Unlock()
	a.cancelInFlight = cancel
}

func (a *Actor) cancelInFlightOp() {
	a.inFlightMu.Lock()
	defer a.inFlightMu.Unlock()
	if a.cancelInFlight != nil {
		a.cancelInFlight()
	}
}
