// Package store declares the external collaborators the messaging core
// depends on. The core never owns message or user persistence; it only calls
// through these interfaces and fans out the canonical records they return.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrConversationNotFound is returned by ConversationDirectory when the
// conversation does not exist or the requester is not a participant.
var ErrConversationNotFound = errors.New("conversation not found")

// Record is the canonical result of persisting a message. The id and
// timestamp are server-assigned; what clients submitted is never broadcast.
type Record struct {
	ID        string
	Timestamp time.Time
}

// MessageStore persists chat messages before fan-out. A failed save aborts
// the send path entirely.
type MessageStore interface {
	SaveGlobal(ctx context.Context, senderID, content string) (Record, error)
	SavePrivate(ctx context.Context, senderID, conversationID, content string) (Record, error)
}

// ConversationDirectory resolves the other side of a two-party conversation.
type ConversationDirectory interface {
	// OtherParticipant returns the user id of the participant that is not
	// requesterID, or ErrConversationNotFound.
	OtherParticipant(ctx context.Context, conversationID, requesterID string) (string, error)
}

// UserDirectory answers account liveness questions for the auth gate and
// records last-seen on disconnect.
type UserDirectory interface {
	LookupActive(ctx context.Context, userID string) (bool, error)
	TouchLastSeen(ctx context.Context, userID string) error
}

// Sanitizer strips markup from user-submitted content before persistence.
type Sanitizer interface {
	Sanitize(content string) string
}
