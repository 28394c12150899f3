package broadcaster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentsession/internal/domain"
)

// socketPair dials a real WebSocket connection and hands the server-accepted
// side back over a channel, so Attach can be exercised against a genuine
// *websocket.Conn while the test reads frames from the client side.
func socketPair(t *testing.T) (serverConn, clientConn *websocket.Conn, cleanup func()) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
		<-r.Context().Done()
	}))

	client, _, err := websocket.Dial(context.Background(), "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial test socket: %v", err)
	}

	select {
	case server := <-accepted:
		return server, client, func() {
			client.Close(websocket.StatusNormalClosure, "test done")
			server.Close(websocket.StatusNormalClosure, "test done")
			srv.Close()
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted the connection")
		return nil, nil, nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func TestAttachSendsImmediateStateFrame(t *testing.T) {
	serverConn, clientConn, cleanup := socketPair(t)
	defer cleanup()

	b := New()
	view := &domain.SessionStateView{SessionID: "s1", Status: domain.StatusIdle}
	b.Attach(context.Background(), serverConn, view, nil)

	frame := readFrame(t, clientConn)
	if frame.Type != "state" {
		t.Fatalf("expected an immediate state frame on attach, got %q", frame.Type)
	}
}

func TestAttachSchedulesHealthProbeWhenRunning(t *testing.T) {
	serverConn, clientConn, cleanup := socketPair(t)
	defer cleanup()

	probed := make(chan struct{}, 1)
	b := New()
	view := &domain.SessionStateView{SessionID: "s1", Status: domain.StatusRunning, SandboxURL: "http://t1"}
	b.Attach(context.Background(), serverConn, view, func(ctx context.Context) { probed <- struct{}{} })

	readFrame(t, clientConn) // the immediate state frame

	select {
	case <-probed:
	case <-time.After(time.Second):
		t.Fatalf("expected an async health probe to be scheduled for a running session")
	}
}

func TestBroadcastStreamingThrottlesRapidUpdates(t *testing.T) {
	b := New()

	b.BroadcastStreaming("m1", []domain.MessagePart{domain.TextPart("a")})
	b.mu.Lock()
	firstEmit := b.lastEmitTime
	b.mu.Unlock()
	if firstEmit.IsZero() {
		t.Fatalf("expected the first update to emit immediately")
	}

	b.BroadcastStreaming("m1", []domain.MessagePart{domain.TextPart("ab")})
	b.mu.Lock()
	pending := b.pending
	scheduled := b.scheduled
	b.mu.Unlock()
	if pending == nil || !scheduled {
		t.Fatalf("expected the second rapid update to be queued as pending, not emitted")
	}
	if pending.Parts[0].Text != "ab" {
		t.Fatalf("expected pending payload to hold the latest parts, got %+v", pending)
	}

	time.Sleep(2 * throttleInterval)
	b.mu.Lock()
	stillPending := b.pending
	b.mu.Unlock()
	if stillPending != nil {
		t.Fatalf("expected the deferred flush to clear the pending payload")
	}
}

func TestFlushAndStopDrainsPendingBeforeFinalState(t *testing.T) {
	b := New()

	b.BroadcastStreaming("m1", []domain.MessagePart{domain.TextPart("a")})
	b.BroadcastStreaming("m1", []domain.MessagePart{domain.TextPart("ab")})

	view := &domain.SessionStateView{SessionID: "s1", Status: domain.StatusRunning}
	b.FlushAndStop(view)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil || b.scheduled {
		t.Fatalf("expected FlushAndStop to clear all pending state")
	}
}
