package actor

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentsession/internal/domain"
	"github.com/ashureev/agentsession/internal/normalizer"
	"github.com/ashureev/agentsession/internal/sandbox"
)

const recoveryWarning = "⚠️ Response timed out. Partial content shown above. The AI may still be processing — try refreshing in a moment."

// Prompt runs the full prompt pipeline (§4.5.4): append the user message,
// ensure the sandbox is reachable (resuming inline if needed), send the
// prompt, stream the response through the normalizer while broadcasting
// throttled updates, then reconcile against the authoritative fetch and
// commit the assistant message.
func (a *Actor) Prompt(ctx context.Context, text string) (*domain.SessionStateView, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	view := a.GetState()
	if view == nil {
		return nil, domain.ErrNoSandbox
	}
	if view.IsProcessing {
		return nil, domain.ErrBusy
	}

	userMsg := domain.Message{ID: freshID(), Role: domain.RoleUser, Parts: []domain.MessagePart{domain.TextPart(text)}, Timestamp: nowMs()}
	a.withState(func(s *domain.SessionState) {
		s.AppendMessage(userMsg)
		s.IsProcessing = true
	})
	if err := a.persist(ctx); err != nil {
		return nil, err
	}
	a.broadcastState()
	a.syncMessage(userMsg)

	if err := a.ensureReachable(ctx); err != nil {
		a.withState(func(s *domain.SessionState) { s.IsProcessing = false })
		if perr := a.persist(ctx); perr != nil {
			return nil, perr
		}
		a.broadcastState()
		return nil, err
	}

	return a.runPrompt(ctx, text)
}

// ensureReachable implements §4.5.4 step 3: it may transition the session
// through paused → running via an inline resume. A running sandbox that
// fails its health probe with no snapshot is persisted as idle before
// SandboxLost is returned; a failed inline resume leaves what resumeLocked
// wrote; the NotReady and NoSandbox rejections write nothing.
func (a *Actor) ensureReachable(ctx context.Context) error {
	view := a.GetState()

	switch view.Status {
	case domain.StatusRunning:
		if a.agentClient.ProbeHealth(ctx, view.SandboxURL) {
			return nil
		}
		if view.SnapshotID == "" {
			a.withState(func(s *domain.SessionState) {
				s.Status = domain.StatusIdle
				s.Error = "sandbox unreachable and no snapshot to resume from"
				s.SandboxID = ""
				s.SandboxURL = ""
				s.AgentSessionID = ""
			})
			if err := a.persist(ctx); err != nil {
				return err
			}
			a.broadcastState()
			a.syncStatus(ctx)
			return domain.NewError(domain.KindSandboxLost, "sandbox unreachable and no snapshot to resume from")
		}
		a.withState(func(s *domain.SessionState) {
			s.Status = domain.StatusPaused
			s.SandboxID = ""
			s.SandboxURL = ""
			s.AgentSessionID = ""
		})
		if err := a.persist(ctx); err != nil {
			return err
		}
		a.broadcastState()
		_, err := a.resumeLocked(ctx)
		return err

	case domain.StatusPaused, domain.StatusIdle, domain.StatusError:
		if view.SnapshotID == "" {
			return domain.ErrNoSandbox
		}
		_, err := a.resumeLocked(ctx)
		return err

	case domain.StatusStarting:
		return domain.NewError(domain.KindNotReady, "sandbox is starting")

	default:
		return domain.ErrNoSandbox
	}
}

// runPrompt assumes the sandbox is reachable and the user message has
// already been committed; it covers §4.5.4 steps 4 through 11.
func (a *Actor) runPrompt(ctx context.Context, text string) (*domain.SessionStateView, error) {
	view := a.GetState()
	assistantID := freshID()
	norm := normalizer.New(text)

	sseCtx, cancelSSE := context.WithCancel(ctx)
	a.setInFlight(cancelSSE)

	events, err := a.agentClient.SubscribeEvents(sseCtx, view.SandboxURL)
	if err != nil {
		cancelSSE()
		a.setInFlight(nil)
		return a.recover(ctx, assistantID, text, norm, "subscribe to agent events: "+err.Error())
	}

	sendErr, timedOut := a.streamPrompt(ctx, view, events, assistantID, text, norm)
	a.drainTail(events, assistantID, norm)
	cancelSSE()
	a.setInFlight(nil)

	if timedOut || sendErr != nil {
		reason := "prompt timed out"
		if sendErr != nil {
			reason = sendErr.Error()
		}
		return a.recover(ctx, assistantID, text, norm, reason)
	}

	return a.finalizeNormal(ctx, view, assistantID, text, norm)
}

// streamPrompt drives the SSE-warmup / send / stream-and-observe loop of
// §4.5.4 steps 5 through 8. It returns a non-nil sendErr if sendPrompt
// failed (any non-2xx per step 6) and timedOut=true if the 5-minute idle
// wait elapsed without a session.idle event.
func (a *Actor) streamPrompt(ctx context.Context, view *domain.SessionStateView, events <-chan sandbox.RawEvent, assistantID, text string, norm *normalizer.Normalizer) (sendErr error, timedOut bool) {
	model := buildModelSelector(view)

	warmupTimer := time.NewTimer(sseWarmupTimeout)
	defer warmupTimer.Stop()
	checkpointTicker := time.NewTicker(streamingCheckpointInterval)
	defer checkpointTicker.Stop()

	var idleTimerC <-chan time.Time
	sent := false

	send := func() {
		sendErr = a.agentClient.SendPrompt(ctx, view.SandboxURL, view.AgentSessionID, text, model)
		sent = true
		if sendErr == nil {
			idleTimerC = time.NewTimer(idleWaitTimeout).C
		}
	}

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			a.broadcast.BroadcastEvent(ev)
			switch ev.Type {
			case normalizer.EventServerConnected:
				if !sent {
					send()
					if sendErr != nil {
						break loop
					}
				}
			case normalizer.EventPartUpdated:
				norm.Feed(ev.Properties)
				a.broadcast.BroadcastStreaming(assistantID, norm.Parts())
			case normalizer.EventSessionIdle:
				break loop
			}

		case <-warmupTimer.C:
			if !sent {
				send()
				if sendErr != nil {
					break loop
				}
			}

		case <-idleTimerC:
			timedOut = true
			break loop

		case <-checkpointTicker.C:
			a.checkpointStreaming(ctx, assistantID, norm)

		case <-ctx.Done():
			break loop
		}
	}

	if !sent {
		send()
	}
	return sendErr, timedOut
}

// drainTail allows a finalizeGrace window for any already-in-flight SSE
// frames to land before the subscription is torn down (§4.5.4 step 9).
func (a *Actor) drainTail(events <-chan sandbox.RawEvent, assistantID string, norm *normalizer.Normalizer) {
	deadline := time.NewTimer(finalizeGrace)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.broadcast.BroadcastEvent(ev)
			if ev.Type == normalizer.EventPartUpdated {
				norm.Feed(ev.Properties)
				a.broadcast.BroadcastStreaming(assistantID, norm.Parts())
			}
		case <-deadline.C:
			return
		}
	}
}

func (a *Actor) checkpointStreaming(ctx context.Context, assistantID string, norm *normalizer.Normalizer) {
	a.withState(func(s *domain.SessionState) {
		s.StreamingMessage = &domain.Message{
			ID:        assistantID,
			Role:      domain.RoleAssistant,
			Parts:     norm.Parts(),
			Timestamp: nowMs(),
		}
	})
	if err := a.persist(ctx); err != nil {
		slog.Debug("actor: streaming checkpoint persist failed", "session_id", a.sessionID, "error", err)
	}
}

// finalizeNormal implements §4.5.4 steps 9 through 11 for a session that
// reached session.idle: fetch the authoritative transcript, reconcile it
// against what streamed, and commit.
func (a *Actor) finalizeNormal(ctx context.Context, view *domain.SessionStateView, assistantID, text string, norm *normalizer.Normalizer) (*domain.SessionStateView, error) {
	a.broadcast.FlushAndStop(a.GetState())

	parts := norm.Parts()
	messages, err := a.agentClient.FetchMessages(ctx, view.SandboxURL, view.AgentSessionID)
	if err == nil {
		if authoritative := lastAssistantParts(messages, text); authoritative != nil {
			useStreaming := len(authoritative) == 0 || (normalizer.CountToolParts(authoritative) == 0 && norm.ToolCount() >= 1)
			if !useStreaming {
				parts = authoritative
			}
		}
	} else {
		slog.Warn("actor: fetchMessages failed at finalize, using streamed parts", "session_id", a.sessionID, "error", err)
	}

	return a.commit(ctx, domain.Message{ID: assistantID, Role: domain.RoleAssistant, Parts: parts, Timestamp: nowMs()})
}

// recover implements the §4.5.4 "Timeout recovery" branch: a bounded
// fetchMessages attempt, falling back to the preserved partial streaming
// content, and finally a bare system-role error note.
func (a *Actor) recover(ctx context.Context, assistantID, text string, norm *normalizer.Normalizer, reason string) (*domain.SessionStateView, error) {
	a.broadcast.FlushAndStop(a.GetState())

	view := a.GetState()
	if view != nil && view.SandboxURL != "" && view.AgentSessionID != "" {
		recoveryCtx, cancel := context.WithTimeout(ctx, recoveryFetchTimeout)
		messages, err := a.agentClient.FetchMessages(recoveryCtx, view.SandboxURL, view.AgentSessionID)
		cancel()
		if err == nil {
			if authoritative := lastAssistantParts(messages, text); len(authoritative) > 0 {
				return a.commit(ctx, domain.Message{ID: assistantID, Role: domain.RoleAssistant, Parts: authoritative, Timestamp: nowMs()})
			}
		}
	}

	partial := norm.Parts()
	if len(partial) > 0 {
		assistantMsg := domain.Message{ID: assistantID, Role: domain.RoleAssistant, Parts: partial, Timestamp: nowMs()}
		systemMsg := newSystemMessage(recoveryWarning)
		return a.commit(ctx, assistantMsg, systemMsg)
	}

	systemMsg := newSystemMessage("Error: " + reason)
	return a.commit(ctx, systemMsg)
}

// commit appends the given messages (an assistant message and, for
// recovery, a trailing system note), clears any streaming checkpoint,
// flips isProcessing off, persists, broadcasts, syncs, and attempts the
// non-fatal auto-snapshot (§4.5.4 steps 10 and 11).
func (a *Actor) commit(ctx context.Context, messages ...domain.Message) (*domain.SessionStateView, error) {
	a.withState(func(s *domain.SessionState) {
		for _, m := range messages {
			s.AppendMessage(m)
		}
		s.StreamingMessage = nil
		s.IsProcessing = false
	})
	if err := a.persist(ctx); err != nil {
		return nil, err
	}
	a.broadcastState()
	for _, m := range messages {
		a.syncMessage(m)
	}
	a.syncStatus(ctx)

	a.tryAutoSnapshot(ctx)

	return a.GetState(), nil
}

// tryAutoSnapshot is the non-fatal auto-snapshot step: failures are logged
// and otherwise ignored, never surfaced to the prompt caller.
func (a *Actor) tryAutoSnapshot(ctx context.Context) {
	view := a.GetState()
	if view == nil || view.Status != domain.StatusRunning || view.IsProcessing {
		return
	}

	snapCtx, cancel := context.WithTimeout(ctx, sandbox.TimeoutSnapshotBG)
	defer cancel()
	result, err := a.provider.SnapshotSandbox(snapCtx, view.SandboxID)
	if err != nil {
		slog.Warn("actor: auto-snapshot failed", "session_id", a.sessionID, "error", err)
		return
	}

	a.withState(func(s *domain.SessionState) { s.SnapshotID = result.SnapshotID })
	if err := a.persist(ctx); err != nil {
		slog.Warn("actor: auto-snapshot persist failed", "session_id", a.sessionID, "error", err)
		return
	}
	a.syncStatus(ctx)
}

func buildModelSelector(view *domain.SessionStateView) *sandbox.ModelSelector {
	if view.Provider == "" || view.SelectedModel == "" {
		return nil
	}
	return &sandbox.ModelSelector{ProviderID: view.Provider, ModelID: view.SelectedModel}
}

func newSystemMessage(text string) domain.Message {
	return domain.Message{ID: freshID(), Role: domain.RoleSystem, Parts: []domain.MessagePart{domain.TextPart(text)}, Timestamp: nowMs()}
}

// lastAssistantParts finds the last assistant-role message in messages and
// classifies its parts through the same normalizer used for the live
// stream, including the echo filter.
func lastAssistantParts(messages []sandbox.AssistantResponse, echoText string) []domain.MessagePart {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(domain.RoleAssistant) {
			return normalizer.ClassifyParts(messages[i].Parts, echoText)
		}
	}
	return nil
}
