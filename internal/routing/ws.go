package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/ashureev/agentsession/internal/domain"
)

// clientFrame is a client→server WS message (§6): {"type":"prompt","text":
// "..."} or a bare {"type":"pause"|"resume"|"stop"}.
type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// handleWebSocket implements GET /sessions/:id/ws. The bearer token travels
// in the Sec-WebSocket-Protocol header as two comma-separated tokens:
// "bearer, <token>" (browsers cannot set arbitrary headers on the upgrade
// request). The server echoes back only the literal "bearer" subprotocol.
func (s *Shell) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerFromSubprotocols(r.Header.Get("Sec-WebSocket-Protocol"))
	if !ok {
		writeError(w, domain.NewError(domain.KindBadRequest, "missing bearer subprotocol"))
		return
	}

	identity, err := s.db.ValidateToken(r.Context(), token)
	if err != nil {
		writeError(w, domain.WrapError(domain.KindTransientExternal, "token validation failed", err))
		return
	}
	if identity == nil {
		writeError(w, domain.NewError(domain.KindUnauthorized, "invalid or expired token"))
		return
	}

	sessionID := sessionIDFromPath(r)
	if identity.SessionID != sessionID {
		writeError(w, domain.NewError(domain.KindForbidden, "token does not authorize this session"))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"bearer"},
	})
	if err != nil {
		slog.Error("routing: websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer ws.CloseNow()

	a, err := s.actorFor(r.Context(), sessionID)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "actor unavailable")
		return
	}

	ctx := r.Context()
	socketID := a.Attach(ctx, ws)
	defer a.Detach(socketID)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.BroadcastError("malformed frame")
			continue
		}

		switch frame.Type {
		case "prompt":
			if frame.Text == "" {
				a.BroadcastError("prompt frame requires text")
				continue
			}
			go dispatchWSCommand(ctx, a, "prompt", func(ctx context.Context) error {
				_, err := a.Prompt(ctx, frame.Text)
				return err
			})
		case "pause":
			go dispatchWSCommand(ctx, a, "pause", func(ctx context.Context) error {
				_, err := a.Pause(ctx)
				return err
			})
		case "resume":
			go dispatchWSCommand(ctx, a, "resume", func(ctx context.Context) error {
				_, err := a.Resume(ctx)
				return err
			})
		case "stop":
			go dispatchWSCommand(ctx, a, "stop", func(ctx context.Context) error {
				_, err := a.Stop(ctx)
				return err
			})
		default:
			a.BroadcastError("unknown frame type: " + frame.Type)
		}
	}
}

// dispatchWSCommand runs a command triggered from the WS connection in the
// background (so the read loop keeps servicing other frames/disconnects)
// and reports any error as an error frame instead of closing the socket.
func dispatchWSCommand(ctx context.Context, a wsActor, kind string, cmd func(context.Context) error) {
	if err := cmd(ctx); err != nil {
		slog.Debug("routing: ws command failed", "kind", kind, "error", err)
		a.BroadcastError(err.Error())
	}
}

// wsActor is the subset of *actor.Actor dispatchWSCommand needs, declared
// as an interface purely so its signature doesn't import actor directly.
type wsActor interface {
	BroadcastError(message string)
}

// bearerFromSubprotocols parses "bearer, <token>" into its token, per §6.
func bearerFromSubprotocols(header string) (token string, ok bool) {
	parts := strings.Split(header, ",")
	if len(parts) != 2 {
		return "", false
	}
	if strings.TrimSpace(parts[0]) != "bearer" {
		return "", false
	}
	token = strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
