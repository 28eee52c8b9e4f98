package store

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process implementation of every collaborator interface.
// It backs single-instance development runs and the test suite; production
// deployments replace it with real persistence behind the same interfaces.
type Memory struct {
	mu            sync.RWMutex
	global        []storedMessage
	private       map[string][]storedMessage // conversationID -> messages
	conversations map[string][2]string       // conversationID -> participants
	users         map[string]*userEntry
}

type storedMessage struct {
	ID        string
	SenderID  string
	Content   string
	Timestamp time.Time
}

type userEntry struct {
	Active   bool
	LastSeen time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		private:       make(map[string][]storedMessage),
		conversations: make(map[string][2]string),
		users:         make(map[string]*userEntry),
	}
}

// AddUser registers a user account.
func (m *Memory) AddUser(userID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = &userEntry{Active: active}
}

// AddConversation registers a two-party conversation.
func (m *Memory) AddConversation(conversationID, userA, userB string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conversationID] = [2]string{userA, userB}
}

func (m *Memory) SaveGlobal(ctx context.Context, senderID, content string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := storedMessage{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	m.global = append(m.global, msg)
	return Record{ID: msg.ID, Timestamp: msg.Timestamp}, nil
}

func (m *Memory) SavePrivate(ctx context.Context, senderID, conversationID, content string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return Record{}, ErrConversationNotFound
	}

	msg := storedMessage{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	m.private[conversationID] = append(m.private[conversationID], msg)
	return Record{ID: msg.ID, Timestamp: msg.Timestamp}, nil
}

func (m *Memory) OtherParticipant(ctx context.Context, conversationID, requesterID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	participants, ok := m.conversations[conversationID]
	if !ok {
		return "", ErrConversationNotFound
	}
	switch requesterID {
	case participants[0]:
		return participants[1], nil
	case participants[1]:
		return participants[0], nil
	}
	// Requester is not in the conversation: indistinguishable from missing.
	return "", ErrConversationNotFound
}

func (m *Memory) LookupActive(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.users[userID]
	return ok && entry.Active, nil
}

func (m *Memory) TouchLastSeen(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.users[userID]; ok {
		entry.LastSeen = time.Now().UTC()
	}
	return nil
}

// LastSeen reports the recorded last-seen time for a user.
func (m *Memory) LastSeen(userID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.users[userID]
	if !ok {
		return time.Time{}, false
	}
	return entry.LastSeen, !entry.LastSeen.IsZero()
}

// GlobalCount reports how many global messages were persisted.
func (m *Memory) GlobalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.global)
}

// PrivateCount reports how many messages a conversation holds.
func (m *Memory) PrivateCount(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.private[conversationID])
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// StripTags removes markup from message content, mirroring the behavior of
// an HTML sanitizer configured to allow no tags.
type StripTags struct{}

func (StripTags) Sanitize(content string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(content, ""))
}
