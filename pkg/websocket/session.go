// Package websocket implements the per-connection session: a small state
// machine wrapping one authenticated user's live socket, with a read pump
// that processes inbound frames in arrival order and a write pump that owns
// every write to the connection.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"liquid-ws-server/internal/auth"
	"liquid-ws-server/internal/metrics"
	"liquid-ws-server/internal/presence"
	"liquid-ws-server/internal/registry"
	"liquid-ws-server/internal/store"
	"liquid-ws-server/internal/types"
)

// State is the session lifecycle position. Frames are processed only while
// Joined; Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options carries the session tuning derived from server configuration.
type Options struct {
	MessageMaxLength int
	SendQueueSize    int
	InboundRate      float64
	InboundBurst     int
	WriteWait        time.Duration
	PongWait         time.Duration
	PresenceTTL      time.Duration
	TeardownTimeout  time.Duration
	MaxFrameSize     int64
	ReadBufferSize   int
	WriteBufferSize  int
}

// Deps bundles everything a session needs: the fan-out layer, presence,
// the external collaborators, and observability.
type Deps struct {
	Registry      registry.Registry
	Presence      presence.Store
	Messages      store.MessageStore
	Conversations store.ConversationDirectory
	Users         store.UserDirectory
	Sanitizer     store.Sanitizer
	Metrics       *metrics.Registry
	Logger        zerolog.Logger
	Options       Options

	tracker *presenceTracker
}

// Handler binds a session to one delivery plane (global room or private
// routing). OnClosing leaves groups; OnDeparted emits whatever departure
// notification the plane calls for, after presence is cleared.
type Handler interface {
	OnJoined(ctx context.Context, s *Session) error
	OnFrame(ctx context.Context, s *Session, frame types.InboundFrame)
	OnClosing(ctx context.Context, s *Session)
	OnDeparted(ctx context.Context, s *Session)
}

// Session is the live representation of one authenticated connection.
// Exactly one exists per socket; a user may hold several concurrently.
type Session struct {
	id        string
	identity  auth.Identity
	conn      *websocket.Conn
	send      chan []byte
	state     atomic.Int32
	deps      *Deps
	handler   Handler
	limiter   *rate.Limiter
	logger    zerolog.Logger
	createdAt time.Time

	// joined is touched only by the accept path and teardown, which are
	// ordered by the read pump's lifetime.
	joined map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, identity auth.Identity, deps *Deps, handler Handler) *Session {
	// Collaborator calls made on behalf of this session carry the verified
	// identity in their context.
	ctx, cancel := context.WithCancel(auth.WithIdentity(context.Background(), identity))
	s := &Session{
		id:        uuid.NewString(),
		identity:  identity,
		conn:      conn,
		send:      make(chan []byte, deps.Options.SendQueueSize),
		deps:      deps,
		handler:   handler,
		limiter:   rate.NewLimiter(rate.Limit(deps.Options.InboundRate), deps.Options.InboundBurst),
		createdAt: time.Now(),
		joined:    make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.logger = deps.Logger.With().
		Str("connection_id", s.id).
		Str("user_id", identity.UserID).
		Logger()
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the process-local connection id.
func (s *Session) ID() string { return s.id }

// Identity returns the verified identity bound at the gate.
func (s *Session) Identity() auth.Identity { return s.identity }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(next State) { s.state.Store(int32(next)) }

// Deliver enqueues a fanned-out payload for this session's socket. It never
// blocks; a full queue marks the client too slow and the connection is
// closed so the group stays healthy. Presence events for the session's own
// user are suppressed here: a user does not see their own join/leave.
func (s *Session) Deliver(payload []byte) bool {
	var hdr types.EventHeader
	if err := json.Unmarshal(payload, &hdr); err == nil &&
		hdr.Type == types.MessageTypeUserPresence && hdr.UserID == s.identity.UserID {
		return true
	}

	select {
	case s.send <- payload:
		return true
	default:
		_ = s.conn.Close()
		return false
	}
}

// enqueue writes a payload directly to this session's socket, bypassing the
// registry. Used for sender acknowledgments.
func (s *Session) enqueue(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		s.deps.Metrics.MessagesDropped.Inc()
		return false
	}
}

// readPump processes inbound frames strictly in arrival order. It is the
// only reader of the socket and the only caller of teardown.
func (s *Session) readPump() {
	defer s.teardown()

	opts := s.deps.Options
	s.conn.SetReadLimit(opts.MaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		if !s.limiter.Allow() {
			s.deps.Metrics.FramesRejected.Inc()
			continue
		}
		if s.State() != StateJoined {
			s.deps.Metrics.FramesRejected.Inc()
			continue
		}

		var frame types.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped without an error echo.
			s.deps.Metrics.FramesRejected.Inc()
			continue
		}

		s.handler.OnFrame(s.ctx, s, frame)
	}
}

// writePump owns every write to the socket: fan-out payloads, direct
// acknowledgments, and keepalive pings.
func (s *Session) writePump() {
	opts := s.deps.Options
	pingPeriod := (opts.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug().Err(err).Msg("write error")
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// presenceLoop refreshes the TTL entry at half the window while Joined, so
// a live connection never falls off the presence registry.
func (s *Session) presenceLoop() {
	ticker := time.NewTicker(s.deps.Options.PresenceTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateJoined {
				continue
			}
			if err := s.deps.Presence.Refresh(s.ctx, s.identity.UserID); err != nil {
				s.logger.Warn().Err(err).Msg("presence refresh failed")
			}
		}
	}
}

// teardown runs the Closing sequence exactly once: cancel in-flight work,
// leave all joined groups, clear presence, flush last-seen, emit the
// departure notification, then settle into Closed. Downstream calls are
// best effort under a bounded timeout; a stalled backend cannot block the
// disconnect.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), s.deps.Options.TeardownTimeout)
		defer cancel()

		s.handler.OnClosing(ctx, s)

		// The presence entry is shared across the user's sessions; only the
		// last one clears it.
		if s.deps.tracker.dec(s.identity.UserID) {
			if err := s.deps.Presence.SetOffline(ctx, s.identity.UserID); err != nil {
				s.logger.Warn().Err(err).Msg("presence clear failed")
			}
		}
		if err := s.deps.Users.TouchLastSeen(ctx, s.identity.UserID); err != nil {
			s.logger.Debug().Err(err).Msg("last-seen flush failed")
		}

		s.handler.OnDeparted(ctx, s)

		_ = s.conn.Close()
		s.setState(StateClosed)
		s.deps.Metrics.ActiveSessions.Dec()
		s.logger.Info().
			Dur("connected_for", time.Since(s.createdAt)).
			Msg("session closed")
	})
}

// joinGroup registers the session in a group and records the membership for
// teardown.
func (s *Session) joinGroup(ctx context.Context, group string) error {
	if err := s.deps.Registry.Join(ctx, group, s); err != nil {
		return err
	}
	s.joined[group] = struct{}{}
	return nil
}

// leaveGroups leaves everything joined, idempotently.
func (s *Session) leaveGroups(ctx context.Context) {
	for group := range s.joined {
		if err := s.deps.Registry.Leave(ctx, group, s.id); err != nil {
			s.logger.Warn().Err(err).Str("group", group).Msg("leave failed")
		}
		delete(s.joined, group)
	}
}

// prepareContent applies the shared inbound content policy: trim, drop
// empty, sanitize, truncate to the configured maximum.
func (s *Session) prepareContent(raw string) (string, bool) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", false
	}
	content = s.deps.Sanitizer.Sanitize(content)
	if content == "" {
		return "", false
	}
	if runes := []rune(content); len(runes) > s.deps.Options.MessageMaxLength {
		content = string(runes[:s.deps.Options.MessageMaxLength])
	}
	return content, true
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
