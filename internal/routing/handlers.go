package routing

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentsession/internal/actor"
	"github.com/ashureev/agentsession/internal/domain"
)

type createSessionRequest struct {
	SessionID     string `json:"sessionId"`
	Repo          string `json:"repo"`
	SelectedModel string `json:"selectedModel,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// handleCreateSession implements POST /sessions (§6): it fetches the
// caller's git credential and (if a provider was supplied) their provider
// API key via C2, then dispatches initialize.
func (s *Shell) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, domain.NewError(domain.KindUnauthorized, "missing identity"))
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewError(domain.KindBadRequest, "malformed request body"))
		return
	}
	if req.SessionID == "" || req.Repo == "" {
		writeError(w, domain.NewError(domain.KindBadRequest, "sessionId and repo are required"))
		return
	}
	if err := requireSessionMatch(identity, req.SessionID); err != nil {
		writeError(w, err)
		return
	}

	gitCredential, err := s.db.FetchGitCredential(r.Context(), identity.Bearer)
	if err != nil {
		slog.Warn("routing: fetchGitCredential failed, continuing without one", "session_id", req.SessionID, "error", err)
	}
	var providerKey string
	if req.Provider != "" {
		providerKey, err = s.db.FetchProviderAPIKey(r.Context(), identity.Bearer, req.Provider)
		if err != nil {
			slog.Warn("routing: fetchProviderAPIKey failed, continuing without one", "session_id", req.SessionID, "error", err)
		}
	}

	a, err := s.actorFor(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := a.Initialize(r.Context(), actor.InitializeInput{
		Repo:          req.Repo,
		UserID:        identity.UserID,
		Bearer:        identity.Bearer,
		DBSiteURL:     s.dbSiteURL,
		SelectedModel: req.SelectedModel,
		Provider:      req.Provider,
		GitCredential: gitCredential,
		ProviderKey:   providerKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleGetSession implements GET /sessions/:id.
func (s *Shell) handleGetSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, domain.NewError(domain.KindUnauthorized, "missing identity"))
		return
	}
	sessionID := sessionIDFromPath(r)
	if err := requireSessionMatch(identity, sessionID); err != nil {
		writeError(w, err)
		return
	}

	a, err := s.actorFor(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	view := a.GetState()
	if view == nil {
		writeError(w, domain.ErrNoSandbox)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type promptRequest struct {
	Text string `json:"text"`
}

// handlePrompt implements POST /sessions/:id/prompt.
func (s *Shell) handlePrompt(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, domain.NewError(domain.KindUnauthorized, "missing identity"))
		return
	}
	sessionID := sessionIDFromPath(r)
	if err := requireSessionMatch(identity, sessionID); err != nil {
		writeError(w, err)
		return
	}

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, domain.NewError(domain.KindBadRequest, "text is required"))
		return
	}

	a, err := s.actorFor(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.Prompt(r.Context(), req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handlePause implements POST /sessions/:id/pause.
func (s *Shell) handlePause(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, r, func(a *actor.Actor, r *http.Request) (*domain.SessionStateView, error) {
		return a.Pause(r.Context())
	})
}

// handleResume implements POST /sessions/:id/resume.
func (s *Shell) handleResume(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, r, func(a *actor.Actor, r *http.Request) (*domain.SessionStateView, error) {
		return a.Resume(r.Context())
	})
}

// handleStop implements DELETE /sessions/:id.
func (s *Shell) handleStop(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, domain.NewError(domain.KindUnauthorized, "missing identity"))
		return
	}
	sessionID := sessionIDFromPath(r)
	if err := requireSessionMatch(identity, sessionID); err != nil {
		writeError(w, err)
		return
	}

	a, err := s.actorFor(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// dispatchCommand is the shared shape of pause/resume: authenticate,
// resolve the actor, run cmd, and return the resulting SessionStateView.
func (s *Shell) dispatchCommand(w http.ResponseWriter, r *http.Request, cmd func(*actor.Actor, *http.Request) (*domain.SessionStateView, error)) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, domain.NewError(domain.KindUnauthorized, "missing identity"))
		return
	}
	sessionID := sessionIDFromPath(r)
	if err := requireSessionMatch(identity, sessionID); err != nil {
		writeError(w, err)
		return
	}

	a, err := s.actorFor(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := cmd(a, r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
