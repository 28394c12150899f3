// Package broadcaster implements the Streaming Broadcaster (C4): it fans
// out state/event/streaming/error frames to every WebSocket attached to one
// session, throttling streaming frames to at most one per 100 ms.
package broadcaster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentsession/internal/domain"
)

const throttleInterval = 100 * time.Millisecond

// Frame is the JSON envelope written to every attached socket.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type streamingPayload struct {
	MessageID string              `json:"messageId"`
	Parts     []domain.MessagePart `json:"parts"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// HealthProbeFunc is invoked asynchronously on attach when the session
// looks like it might be running against a dead sandbox; the broadcaster
// itself has no opinion on what it does with the result.
type HealthProbeFunc func(ctx context.Context)

// Broadcaster owns the set of WebSockets attached to one session and the
// streaming-frame throttle state machine.
type Broadcaster struct {
	mu      sync.Mutex
	sockets map[uint64]*websocket.Conn
	nextID  uint64

	lastEmitTime time.Time
	pending      *streamingPayload
	scheduled    bool
}

// New creates an empty broadcaster for one session.
func New() *Broadcaster {
	return &Broadcaster{sockets: make(map[uint64]*websocket.Conn)}
}

// Attach registers ws, sends an immediate state frame, and — if the
// session looks like it's running against a sandbox — schedules probe
// asynchronously without blocking the caller.
func (b *Broadcaster) Attach(ctx context.Context, ws *websocket.Conn, view *domain.SessionStateView, probe HealthProbeFunc) uint64 {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.sockets[id] = ws
	b.mu.Unlock()

	b.writeTo(ws, Frame{Type: "state", Payload: view})

	if probe != nil && view.Status == domain.StatusRunning && view.SandboxURL != "" {
		go probe(ctx)
	}

	return id
}

// Detach removes a socket, e.g. on WebSocket close or read error.
func (b *Broadcaster) Detach(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sockets, id)
}

// BroadcastState sends a full state frame to every attached socket.
func (b *Broadcaster) BroadcastState(view *domain.SessionStateView) {
	b.sendAll(Frame{Type: "state", Payload: view})
}

// BroadcastEvent forwards a raw agent-server SSE event to every attached
// socket, for advanced clients that want the unnormalized stream.
func (b *Broadcaster) BroadcastEvent(raw any) {
	b.sendAll(Frame{Type: "event", Payload: raw})
}

// BroadcastError sends a non-fatal protocol error frame.
func (b *Broadcaster) BroadcastError(message string) {
	b.sendAll(Frame{Type: "error", Payload: errorPayload{Message: message}})
}

// BroadcastStreaming emits a throttled streaming frame: at most one per
// throttleInterval is sent immediately; updates arriving inside the
// cooldown replace any pending payload and schedule a single deferred
// flush instead of piling up sends.
func (b *Broadcaster) BroadcastStreaming(messageID string, parts []domain.MessagePart) {
	payload := streamingPayload{MessageID: messageID, Parts: parts}

	b.mu.Lock()
	elapsed := time.Since(b.lastEmitTime)
	if elapsed >= throttleInterval && !b.scheduled {
		b.lastEmitTime = time.Now()
		b.pending = nil
		b.mu.Unlock()
		b.sendAll(Frame{Type: "streaming", Payload: payload})
		return
	}

	b.pending = &payload
	alreadyScheduled := b.scheduled
	b.scheduled = true
	delay := throttleInterval - elapsed
	b.mu.Unlock()

	if !alreadyScheduled {
		if delay < 0 {
			delay = 0
		}
		go b.deferredFlush(delay)
	}
}

func (b *Broadcaster) deferredFlush(delay time.Duration) {
	time.Sleep(delay)

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.scheduled = false
	b.lastEmitTime = time.Now()
	b.mu.Unlock()

	if pending != nil {
		b.sendAll(Frame{Type: "streaming", Payload: *pending})
	}
}

// FlushAndStop drains any pending streaming update, then sends the final
// state frame, in that order, so the last frame an observer sees for the
// prompt is always the reconciled state.
func (b *Broadcaster) FlushAndStop(view *domain.SessionStateView) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.scheduled = false
	b.mu.Unlock()

	if pending != nil {
		b.sendAll(Frame{Type: "streaming", Payload: *pending})
	}
	b.sendAll(Frame{Type: "state", Payload: view})
}

func (b *Broadcaster) sendAll(frame Frame) {
	b.mu.Lock()
	sockets := make(map[uint64]*websocket.Conn, len(b.sockets))
	for id, ws := range b.sockets {
		sockets[id] = ws
	}
	b.mu.Unlock()

	for id, ws := range sockets {
		if err := b.writeTo(ws, frame); err != nil {
			slog.Debug("broadcaster: write failed, detaching socket", "socket_id", id, "error", err)
			b.Detach(id)
		}
	}
}

func (b *Broadcaster) writeTo(ws *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("broadcaster: marshal frame failed", "type", frame.Type, "error", err)
		return nil
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
