package actor

import (
	"context"
	"fmt"

	"github.com/ashureev/agentsession/internal/domain"
	"github.com/ashureev/agentsession/internal/sandbox"
)

// InitializeInput is the body of the initialize command.
type InitializeInput struct {
	Repo          string
	UserID        string
	Bearer        string
	DBSiteURL     string
	SelectedModel string
	Provider      string
	GitCredential string
	ProviderKey   string
}

// Initialize persists auth config, transitions idle → starting, and
// launches background sandbox creation. Returns the current state
// immediately; creation continues asynchronously.
func (a *Actor) Initialize(ctx context.Context, in InitializeInput) (*domain.SessionStateView, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.bearerToken = in.Bearer
	a.dbSiteURL = in.DBSiteURL
	if err := a.store.Put(ctx, a.sessionID, bearerTokenKey, []byte(in.Bearer)); err != nil {
		return nil, fmt.Errorf("persist bearer token: %w", err)
	}
	if err := a.store.Put(ctx, a.sessionID, dbSiteURLKey, []byte(in.DBSiteURL)); err != nil {
		return nil, fmt.Errorf("persist db site url: %w", err)
	}

	if a.state == nil {
		a.state = domain.NewSessionState(a.sessionID, in.Repo, in.UserID, nowMs())
	}

	a.withState(func(s *domain.SessionState) {
		s.SelectedModel = in.SelectedModel
		s.Provider = in.Provider
		s.Status = domain.StatusStarting
	})
	if err := a.persist(ctx); err != nil {
		return nil, err
	}
	a.broadcastState()
	a.syncStatus(ctx)

	go a.createSandboxInBackground(in.GitCredential, in.ProviderKey)

	return a.GetState(), nil
}

// createSandboxInBackground runs the starting → running transition outside
// the command's own cmdMu hold, since sandbox creation can take up to 120 s
// and the spec only requires initialize to return quickly.
func (a *Actor) createSandboxInBackground(gitCredential, providerKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), sandbox.TimeoutCreateSandbox)
	defer cancel()
	a.setInFlight(cancel)
	defer a.setInFlight(nil)

	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	view := a.GetState()
	result, err := a.provider.CreateSandbox(ctx, sandbox.CreateSandboxInput{
		Repo:           view.Repo,
		GitCredential:  gitCredential,
		ProviderAPIKey: providerKey,
	})
	if err != nil {
		a.transitionToError(ctx, err)
		return
	}

	if err := a.agentClient.WaitHealthy(ctx, result.TunnelURL); err != nil {
		a.transitionToError(ctx, err)
		return
	}

	agentSessionID, err := a.agentClient.CreateAgentSession(ctx, result.TunnelURL)
	if err != nil {
		a.transitionToError(ctx, err)
		return
	}

	a.withState(func(s *domain.SessionState) {
		s.SandboxID = result.SandboxID
		s.SandboxURL = result.TunnelURL
		s.AgentSessionID = agentSessionID
		s.Status = domain.StatusRunning
		s.Error = ""
	})
	if err := a.persist(ctx); err != nil {
		return
	}
	a.broadcastState()
	a.syncStatus(ctx)
}

func (a *Actor) transitionToError(ctx context.Context, cause error) {
	a.withState(func(s *domain.SessionState) {
		s.Status = domain.StatusError
		s.Error = cause.Error()
	})
	if err := a.persist(ctx); err != nil {
		return
	}
	a.broadcastState()
	a.syncStatus(ctx)
}

// Pause runs the pause pipeline (§4.5.5).
func (a *Actor) Pause(ctx context.Context) (*domain.SessionStateView, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	view := a.GetState()
	if view == nil || view.Status != domain.StatusRunning {
		return nil, domain.NewError(domain.KindNotReady, "pause requires a running sandbox")
	}
	if view.IsProcessing {
		return nil, domain.ErrBusy
	}

	a.withState(func(s *domain.SessionState) { s.Status = domain.StatusStarting })
	if err := a.persist(ctx); err != nil {
		return nil, err
	}
	a.broadcastState()

	pauseCtx, cancel := context.WithTimeout(ctx, sandbox.TimeoutPauseSandbox)
	a.setInFlight(cancel)
	result, err := a.provider.PauseSandbox(pauseCtx, view.SandboxID)
	cancel()
	a.setInFlight(nil)

	if err != nil {
		var sErr *sandbox.Error
		if asSandboxError(err, &sErr) && sErr.Kind == sandbox.FailureConflict {
			a.withState(func(s *domain.SessionState) {
				if s.SnapshotID != "" {
					s.Status = domain.StatusPaused
				} else {
					s.Status = domain.StatusIdle
				}
				s.SandboxID = ""
				s.SandboxURL = ""
				s.AgentSessionID = ""
			})
		} else {
			a.withState(func(s *domain.SessionState) {
				s.Status = domain.StatusError
				s.Error = err.Error()
			})
		}
	} else {
		a.withState(func(s *domain.SessionState) {
			s.SnapshotID = result.SnapshotID
			s.SandboxID = ""
			s.SandboxURL = ""
			s.AgentSessionID = ""
			s.Status = domain.StatusPaused
		})
	}

	if perr := a.persist(ctx); perr != nil {
		return nil, perr
	}
	a.broadcastState()
	a.syncStatus(ctx)
	return a.GetState(), nil
}

// Resume runs the resume pipeline (§4.5.6).
func (a *Actor) Resume(ctx context.Context) (*domain.SessionStateView, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	view := a.GetState()
	if view == nil || view.Status != domain.StatusPaused || view.SnapshotID == "" {
		return nil, domain.NewError(domain.KindNotReady, "resume requires a paused session with a snapshot")
	}
	return a.resumeLocked(ctx)
}

// resumeLocked assumes cmdMu is already held, for the prompt pipeline's
// inline resume (§4.5.4 step 3).
func (a *Actor) resumeLocked(ctx context.Context) (*domain.SessionStateView, error) {
	view := a.GetState()
	if view == nil || view.SnapshotID == "" {
		return nil, domain.ErrNoSandbox
	}

	a.withState(func(s *domain.SessionState) { s.Status = domain.StatusStarting })
	if err := a.persist(ctx); err != nil {
		return nil, err
	}
	a.broadcastState()
	a.syncStatus(ctx)

	resumeCtx, cancel := context.WithTimeout(ctx, sandbox.TimeoutResumeSandbox)
	a.setInFlight(cancel)
	defer a.setInFlight(nil)
	defer cancel()

	result, err := a.provider.ResumeSandbox(resumeCtx, view.SnapshotID)
	if err != nil {
		a.transitionToError(ctx, err)
		return nil, domain.WrapError(domain.KindSandboxError, "resume sandbox failed", err)
	}

	if err := a.agentClient.WaitHealthy(resumeCtx, result.TunnelURL); err != nil {
		a.transitionToError(ctx, err)
		return nil, domain.WrapError(domain.KindSandboxError, "sandbox did not become healthy", err)
	}

	agentSessionID, err := a.agentClient.CreateAgentSession(resumeCtx, result.TunnelURL)
	if err != nil {
		a.transitionToError(ctx, err)
		return nil, domain.WrapError(domain.KindSandboxError, "create agent session failed", err)
	}

	a.withState(func(s *domain.SessionState) {
		s.SandboxID = result.SandboxID
		s.SandboxURL = result.TunnelURL
		s.AgentSessionID = agentSessionID
		s.Status = domain.StatusRunning
		s.Error = ""
	})
	if err := a.persist(ctx); err != nil {
		return nil, err
	}
	a.broadcastState()
	a.syncStatus(ctx)
	return a.GetState(), nil
}

// Stop terminates the sandbox best-effort and clears sandbox refs.
func (a *Actor) Stop(ctx context.Context) (*domain.SessionStateView, error) {
	// Cancel before taking cmdMu: the in-flight operation holds it until it
	// returns.
	a.cancelInFlightOp()

	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	view := a.GetState()
	if view != nil && view.SandboxID != "" {
		_ = a.provider.TerminateSandbox(ctx, view.SandboxID)
	}

	a.withState(func(s *domain.SessionState) {
		s.SandboxID = ""
		s.SandboxURL = ""
		s.AgentSessionID = ""
		s.Status = domain.StatusIdle
	})
	if err := a.persist(ctx); err != nil {
		return nil, err
	}
	a.broadcastState()
	a.syncStatus(ctx)
	return a.GetState(), nil
}

func asSandboxError(err error, target **sandbox.Error) bool {
	e, ok := err.(*sandbox.Error)
	if ok {
		*target = e
	}
	return ok
}
