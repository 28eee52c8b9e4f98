package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"liquid-ws-server/internal/auth"
	"liquid-ws-server/internal/config"
	"liquid-ws-server/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		Addr:             ":0",
		RegistryBackend:  config.RegistryLocal,
		PresenceBackend:  config.PresenceMemory,
		PresenceTTL:      time.Minute,
		JWTSecret:        "test-secret",
		TokenExpiration:  time.Hour,
		MessageMaxLength: 2000,
		SendQueueSize:    32,
		TeardownTimeout:  2 * time.Second,
		InboundRate:      100,
		InboundBurst:     100,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		MaxFrameSize:     8192,
		WriteWait:        2 * time.Second,
		PongWait:         30 * time.Second,
		ShutdownTimeout:  2 * time.Second,
	}
}

// seededStore returns a memory store with two active users sharing one
// conversation.
func seededStore() *store.Memory {
	m := store.NewMemory()
	m.AddUser("alice", true)
	m.AddUser("bob", true)
	m.AddConversation("conv-1", "alice", "bob")
	return m
}

func newTestServer(t *testing.T, cfg config.Config, collab Collaborators) *httptest.Server {
	t.Helper()
	srv, err := New(cfg, zerolog.Nop(), collab)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func defaultCollaborators(m *store.Memory) Collaborators {
	return Collaborators{
		Messages:      m,
		Conversations: m,
		Users:         m,
		Sanitizer:     store.StripTags{},
	}
}

func mustToken(t *testing.T, userID, username string) string {
	t.Helper()
	token, err := auth.NewJWTManager("test-secret", time.Hour).Generate(userID, username)
	require.NoError(t, err)
	return token
}

func dial(t *testing.T, ts *httptest.Server, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitEvent reads frames until one of the wanted type arrives, skipping
// interleaved presence and message traffic. Fails the test on timeout.
func awaitEvent(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q event", wantType)

		var event map[string]any
		require.NoError(t, json.Unmarshal(data, &event))
		if event["type"] == wantType {
			return event
		}
	}
}

// expectNoEvent asserts no frame of the given type arrives within the window.
func expectNoEvent(t *testing.T, conn *websocket.Conn, unwantedType string, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return // deadline reached without the unwanted event
		}
		var event map[string]any
		if json.Unmarshal(data, &event) == nil {
			require.NotEqual(t, unwantedType, event["type"])
		}
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// syncGlobal sends a message and waits for its own echo, proving the session
// reached the joined state and the read pump is live.
func syncGlobal(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()
	sendFrame(t, conn, map[string]any{"type": "send_global_message", "content": content})
	event := awaitEvent(t, conn, "global_message")
	msg := event["message"].(map[string]any)
	require.Equal(t, content, msg["content"])
}

// syncPrivate sends a private message and waits for the sender confirmation.
func syncPrivate(t *testing.T, conn *websocket.Conn, conversationID, content string) {
	t.Helper()
	sendFrame(t, conn, map[string]any{
		"type":            "send_private_message",
		"conversation_id": conversationID,
		"content":         content,
	})
	event := awaitEvent(t, conn, "private_message_sent")
	msg := event["message"].(map[string]any)
	require.Equal(t, content, msg["content"])
}

func TestGlobalBroadcast(t *testing.T) {
	mem := seededStore()
	ts := newTestServer(t, testConfig(), defaultCollaborators(mem))

	alice := dial(t, ts, "/ws/chat/global", mustToken(t, "alice", "alice"))
	syncGlobal(t, alice, "alice here")

	bob := dial(t, ts, "/ws/chat/global", mustToken(t, "bob", "bob"))
	syncGlobal(t, bob, "bob here")

	// alice sees bob arrive, then his message; both carry store-assigned
	// identity fields.
	presence := awaitEvent(t, alice, "user_presence")
	require.Equal(t, "bob", presence["user_id"])
	require.Equal(t, "online", presence["status"])

	event := awaitEvent(t, alice, "global_message")
	msg := event["message"].(map[string]any)
	require.Equal(t, "bob here", msg["content"])
	require.Equal(t, "bob", msg["sender"].(map[string]any)["id"])
	require.NotEmpty(t, msg["id"])
	require.NotEmpty(t, msg["timestamp"])

	// bob joined after alice and never sees his own arrival.
	expectNoEvent(t, bob, "user_presence", 300*time.Millisecond)

	require.Equal(t, 2, mem.GlobalCount())
}

func TestOwnPresenceIsSuppressed(t *testing.T) {
	ts := newTestServer(t, testConfig(), defaultCollaborators(seededStore()))

	alice := dial(t, ts, "/ws/chat/global", mustToken(t, "alice", "alice"))
	syncGlobal(t, alice, "hello")

	// alice sent and received within the same room without ever seeing her
	// own user_presence event.
	expectNoEvent(t, alice, "user_presence", 300*time.Millisecond)
}

func TestOfflinePresenceBroadcastOnDisconnect(t *testing.T) {
	ts := newTestServer(t, testConfig(), defaultCollaborators(seededStore()))

	alice := dial(t, ts, "/ws/chat/global", mustToken(t, "alice", "alice"))
	syncGlobal(t, alice, "hello")

	bob := dial(t, ts, "/ws/chat/global", mustToken(t, "bob", "bob"))
	syncGlobal(t, bob, "hi")
	awaitEvent(t, alice, "user_presence") // bob online

	require.NoError(t, bob.Close())

	offline := awaitEvent(t, alice, "user_presence")
	require.Equal(t, "bob", offline["user_id"])
	require.Equal(t, "offline", offline["status"])
}

func TestRejectsConnectionWithoutToken(t *testing.T) {
	mem := seededStore()
	ts := newTestServer(t, testConfig(), defaultCollaborators(mem))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat/global"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "upgrade succeeds before the gate runs")
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, 4001), "expected policy close, got %v", err)
}

func TestRejectsInactiveUser(t *testing.T) {
	mem := seededStore()
	mem.AddUser("mallory", false)
	ts := newTestServer(t, testConfig(), defaultCollaborators(mem))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws/chat/global?token=" + mustToken(t, "mallory", "mallory")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, 4001))

	// A rejected connection never registers presence.
	online := queryPresence(t, ts, "mallory")
	require.False(t, online)
}

func queryPresence(t *testing.T, ts *httptest.Server, userID string) bool {
	t.Helper()
	resp, err := http.Get(ts.URL + "/presence/online/" + userID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		UserID   string `json:"user_id"`
		IsOnline bool   `json:"is_online"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, userID, body.UserID)
	return body.IsOnline
}

func TestPresenceEndpoints(t *testing.T) {
	ts := newTestServer(t, testConfig(), defaultCollaborators(seededStore()))

	alice := dial(t, ts, "/ws/chat/global", mustToken(t, "alice", "alice"))
	syncGlobal(t, alice, "hello")

	bob := dial(t, ts, "/ws/chat/global", mustToken(t, "bob", "bob"))
	syncGlobal(t, bob, "hi")
	awaitEvent(t, alice, "user_presence") // bob fully joined

	require.True(t, queryPresence(t, ts, "alice"))
	require.True(t, queryPresence(t, ts, "bob"))
	require.False(t, queryPresence(t, ts, "nobody"))

	body, err := json.Marshal(map[string]any{"user_ids": []string{"alice", "bob", "nobody"}})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/presence/online/bulk", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var bulk struct {
		Online map[string]bool `json:"online"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bulk))
	require.Equal(t, map[string]bool{"alice": true, "bob": true, "nobody": false}, bulk.Online)

	// Disconnect clears presence; the offline broadcast marks teardown done.
	require.NoError(t, bob.Close())
	awaitEvent(t, alice, "user_presence")
	require.False(t, queryPresence(t, ts, "bob"))
}

func TestPresenceSurvivesSiblingSessionDisconnect(t *testing.T) {
	ts := newTestServer(t, testConfig(), defaultCollaborators(seededStore()))

	bob := dial(t, ts, "/ws/chat/global", mustToken(t, "bob", "bob"))
	syncGlobal(t, bob, "observer ready")

	aliceToken := mustToken(t, "alice", "alice")
	alice1 := dial(t, ts, "/ws/chat/global", aliceToken)
	syncGlobal(t, alice1, "first device")
	online := awaitEvent(t, bob, "user_presence")
	require.Equal(t, "online", online["status"])

	alice2 := dial(t, ts, "/ws/chat/global", aliceToken)
	syncGlobal(t, alice2, "second device")
	online = awaitEvent(t, bob, "user_presence")
	require.Equal(t, "online", online["status"])

	// First device disconnects; bob's offline event marks its teardown done.
	require.NoError(t, alice1.Close())
	offline := awaitEvent(t, bob, "user_presence")
	require.Equal(t, "alice", offline["user_id"])
	require.Equal(t, "offline", offline["status"])

	// The surviving session keeps the shared presence entry alive.
	require.True(t, queryPresence(t, ts, "alice"),
		"alice must remain online while another session is still joined")

	// The socket stays usable too.
	syncGlobal(t, alice2, "still here")

	// Last session out clears the entry.
	require.NoError(t, alice2.Close())
	offline = awaitEvent(t, bob, "user_presence")
	require.Equal(t, "offline", offline["status"])
	require.False(t, queryPresence(t, ts, "alice"))
}

func TestPrivateMessageDelivery(t *testing.T) {
	mem := seededStore()
	ts := newTestServer(t, testConfig(), defaultCollaborators(mem))

	alice := dial(t, ts, "/ws/chat/private", mustToken(t, "alice", "alice"))
	syncPrivate(t, alice, "conv-1", "warmup")

	bob := dial(t, ts, "/ws/chat/private", mustToken(t, "bob", "bob"))
	syncPrivate(t, bob, "conv-1", "pong")

	// bob's sync message lands in alice's inbox.
	event := awaitEvent(t, alice, "private_message")
	msg := event["message"].(map[string]any)
	require.Equal(t, "pong", msg["content"])
	require.Equal(t, "conv-1", msg["conversation_id"])
	require.Equal(t, "bob", msg["sender"].(map[string]any)["id"])

	// alice sends; bob receives the message and alice only the confirmation.
	syncPrivate(t, alice, "conv-1", "hello bob")
	event = awaitEvent(t, bob, "private_message")
	require.Equal(t, "hello bob", event["message"].(map[string]any)["content"])

	require.Equal(t, 3, mem.PrivateCount("conv-1"))
}

func TestPrivateSendWithoutConversationIsDropped(t *testing.T) {
	mem := seededStore()
	ts := newTestServer(t, testConfig(), defaultCollaborators(mem))

	alice := dial(t, ts, "/ws/chat/private", mustToken(t, "alice", "alice"))
	syncPrivate(t, alice, "conv-1", "warmup")

	sendFrame(t, alice, map[string]any{"type": "send_private_message", "content": "orphan"})
	expectNoEvent(t, alice, "private_message_sent", 300*time.Millisecond)
	require.Equal(t, 1, mem.PrivateCount("conv-1"))
}

// failingMessages fails saves for one poisoned content string and delegates
// everything else.
type failingMessages struct {
	*store.Memory
	poison string
}

func (f *failingMessages) SaveGlobal(ctx context.Context, senderID, content string) (store.Record, error) {
	if content == f.poison {
		return store.Record{}, errors.New("backend unavailable")
	}
	return f.Memory.SaveGlobal(ctx, senderID, content)
}

func TestFailedPersistenceMeansNoFanOut(t *testing.T) {
	mem := seededStore()
	collab := defaultCollaborators(mem)
	collab.Messages = &failingMessages{Memory: mem, poison: "poison"}
	ts := newTestServer(t, testConfig(), collab)

	alice := dial(t, ts, "/ws/chat/global", mustToken(t, "alice", "alice"))
	syncGlobal(t, alice, "hello")

	bob := dial(t, ts, "/ws/chat/global", mustToken(t, "bob", "bob"))
	syncGlobal(t, bob, "hi")
	awaitEvent(t, alice, "user_presence")
	awaitEvent(t, alice, "global_message") // bob's sync message

	before := mem.GlobalCount()
	sendFrame(t, alice, map[string]any{"type": "send_global_message", "content": "poison"})

	expectNoEvent(t, bob, "global_message", 300*time.Millisecond)
	expectNoEvent(t, alice, "global_message", 100*time.Millisecond)
	require.Equal(t, before, mem.GlobalCount())
}

// brokenConversations refuses to resolve one conversation and delegates the
// rest.
type brokenConversations struct {
	*store.Memory
	broken string
}

func (b *brokenConversations) OtherParticipant(ctx context.Context, conversationID, requesterID string) (string, error) {
	if conversationID == b.broken {
		return "", store.ErrConversationNotFound
	}
	return b.Memory.OtherParticipant(ctx, conversationID, requesterID)
}

func TestUnresolvableRecipientDropsSilently(t *testing.T) {
	mem := seededStore()
	mem.AddConversation("conv-broken", "alice", "bob")
	collab := defaultCollaborators(mem)
	collab.Conversations = &brokenConversations{Memory: mem, broken: "conv-broken"}
	ts := newTestServer(t, testConfig(), collab)

	alice := dial(t, ts, "/ws/chat/private", mustToken(t, "alice", "alice"))
	syncPrivate(t, alice, "conv-1", "warmup")

	bob := dial(t, ts, "/ws/chat/private", mustToken(t, "bob", "bob"))
	syncPrivate(t, bob, "conv-1", "warmup")
	awaitEvent(t, alice, "private_message")

	sendFrame(t, alice, map[string]any{
		"type":            "send_private_message",
		"conversation_id": "conv-broken",
		"content":         "lost",
	})

	// Persisted, but neither delivered nor acknowledged.
	expectNoEvent(t, bob, "private_message", 300*time.Millisecond)
	expectNoEvent(t, alice, "private_message_sent", 100*time.Millisecond)
	require.Equal(t, 1, mem.PrivateCount("conv-broken"))
}

func TestTypingIndicatorForwardedNotPersisted(t *testing.T) {
	mem := seededStore()
	ts := newTestServer(t, testConfig(), defaultCollaborators(mem))

	alice := dial(t, ts, "/ws/chat/private", mustToken(t, "alice", "alice"))
	syncPrivate(t, alice, "conv-1", "warmup")

	bob := dial(t, ts, "/ws/chat/private", mustToken(t, "bob", "bob"))
	syncPrivate(t, bob, "conv-1", "warmup")
	awaitEvent(t, alice, "private_message")

	before := mem.PrivateCount("conv-1")

	sendFrame(t, alice, map[string]any{"type": "typing_start", "conversation_id": "conv-1"})
	event := awaitEvent(t, bob, "typing_indicator")
	require.Equal(t, "alice", event["user_id"])
	require.Equal(t, "conv-1", event["conversation_id"])
	require.Equal(t, "typing", event["status"])

	sendFrame(t, alice, map[string]any{"type": "typing_stop", "conversation_id": "conv-1"})
	event = awaitEvent(t, bob, "typing_indicator")
	require.Equal(t, "stopped", event["status"])

	require.Equal(t, before, mem.PrivateCount("conv-1"))
}

func TestMalformedAndUnknownFramesAreIgnored(t *testing.T) {
	mem := seededStore()
	ts := newTestServer(t, testConfig(), defaultCollaborators(mem))

	alice := dial(t, ts, "/ws/chat/global", mustToken(t, "alice", "alice"))
	syncGlobal(t, alice, "hello")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendFrame(t, alice, map[string]any{"type": "bogus_frame_type"})
	sendFrame(t, alice, map[string]any{"type": "send_private_message", "content": "wrong plane"})

	// The connection survives all of it.
	syncGlobal(t, alice, "still alive")
	require.Equal(t, 2, mem.GlobalCount())
}

func TestContentSanitizedAndTruncated(t *testing.T) {
	cfg := testConfig()
	cfg.MessageMaxLength = 5
	ts := newTestServer(t, cfg, defaultCollaborators(seededStore()))
	alice := dial(t, ts, "/ws/chat/global", mustToken(t, "alice", "alice"))

	sendFrame(t, alice, map[string]any{"type": "send_global_message", "content": "  <b>abcdefgh</b>  "})
	event := awaitEvent(t, alice, "global_message")
	require.Equal(t, "abcde", event["message"].(map[string]any)["content"])

	// Whitespace and markup-only payloads vanish entirely.
	sendFrame(t, alice, map[string]any{"type": "send_global_message", "content": "   "})
	sendFrame(t, alice, map[string]any{"type": "send_global_message", "content": "<br/>"})
	expectNoEvent(t, alice, "global_message", 300*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig(), defaultCollaborators(seededStore()))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "local", body["registry"])
	require.Equal(t, "memory", body["presence"])
}

func TestTokenEndpointDisabledByDefault(t *testing.T) {
	ts := newTestServer(t, testConfig(), defaultCollaborators(seededStore()))

	resp, err := http.Get(ts.URL + "/auth/token?user_id=alice")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTokenEndpointMintsUsableToken(t *testing.T) {
	cfg := testConfig()
	cfg.EnableTokenEndpoint = true
	ts := newTestServer(t, cfg, defaultCollaborators(seededStore()))

	resp, err := http.Get(ts.URL + "/auth/token?user_id=alice&username=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)

	alice := dial(t, ts, "/ws/chat/global", body.Token)
	syncGlobal(t, alice, "minted")
}

func TestLastSeenFlushedOnDisconnect(t *testing.T) {
	mem := seededStore()
	ts := newTestServer(t, testConfig(), defaultCollaborators(mem))

	alice := dial(t, ts, "/ws/chat/global", mustToken(t, "alice", "alice"))
	syncGlobal(t, alice, "hello")

	bob := dial(t, ts, "/ws/chat/global", mustToken(t, "bob", "bob"))
	syncGlobal(t, bob, "hi")
	awaitEvent(t, alice, "user_presence")

	require.NoError(t, bob.Close())
	awaitEvent(t, alice, "user_presence") // offline broadcast, teardown complete

	_, ok := mem.LastSeen("bob")
	require.True(t, ok)
}
