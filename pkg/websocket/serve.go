package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"liquid-ws-server/internal/auth"
)

// PolicyViolationCode is sent when the authentication gate rejects a
// connection. The protocol upgrade has already happened at that point, so
// the refusal is a close frame rather than an HTTP error.
const PolicyViolationCode = 4001

// Acceptor upgrades HTTP requests, runs the authentication gate, and starts
// sessions on one of the two delivery planes.
type Acceptor struct {
	deps     *Deps
	gate     *auth.Gate
	upgrader websocket.Upgrader
}

func NewAcceptor(deps *Deps, gate *auth.Gate) *Acceptor {
	deps.tracker = newPresenceTracker()
	return &Acceptor{
		deps: deps,
		gate: gate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  deps.Options.ReadBufferSize,
			WriteBufferSize: deps.Options.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients connect from a separate origin; the bearer
				// token is the actual admission control.
				return true
			},
		},
	}
}

// Serve runs the accept sequence: upgrade, gate, presence registration,
// group joins, then the pump goroutines. A gate failure closes the socket
// with the policy code before any session state exists.
func (a *Acceptor) Serve(h Handler, w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.deps.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	identity, err := a.gate.Authenticate(r.Context(), r)
	if err != nil {
		a.deps.Metrics.AuthFailures.Inc()
		a.deps.Logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("connection rejected")
		a.closePolicy(conn)
		return
	}

	s := newSession(conn, identity, a.deps, h)
	s.setState(StateAuthenticated)

	a.deps.tracker.inc(identity.UserID)
	if err := a.deps.Presence.SetOnline(s.ctx, identity.UserID); err != nil {
		s.logger.Warn().Err(err).Msg("presence registration failed")
	}

	if err := h.OnJoined(s.ctx, s); err != nil {
		s.logger.Error().Err(err).Msg("group join failed")
		if a.deps.tracker.dec(identity.UserID) {
			if perr := a.deps.Presence.SetOffline(s.ctx, identity.UserID); perr != nil {
				s.logger.Warn().Err(perr).Msg("presence rollback failed")
			}
		}
		s.cancel()
		_ = conn.Close()
		return
	}
	s.setState(StateJoined)
	a.deps.Metrics.ActiveSessions.Inc()

	go s.writePump()
	go s.readPump()
	go s.presenceLoop()

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("session joined")
}

func (a *Acceptor) closePolicy(conn *websocket.Conn) {
	deadline := time.Now().Add(a.deps.Options.WriteWait)
	msg := websocket.FormatCloseMessage(PolicyViolationCode, "unauthorized")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}
