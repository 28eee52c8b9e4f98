package types

// Message types
type MessageType string

// Inbound frame kinds accepted from clients.
const (
	MessageTypeSendGlobal  MessageType = "send_global_message"
	MessageTypeSendPrivate MessageType = "send_private_message"
	MessageTypeTypingStart MessageType = "typing_start"
	MessageTypeTypingStop  MessageType = "typing_stop"
)

// Outbound event kinds written to clients.
const (
	MessageTypeGlobalMessage      MessageType = "global_message"
	MessageTypePrivateMessage     MessageType = "private_message"
	MessageTypePrivateMessageSent MessageType = "private_message_sent"
	MessageTypeUserPresence       MessageType = "user_presence"
	MessageTypeTypingIndicator    MessageType = "typing_indicator"
)

// Presence statuses carried by user_presence events.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Typing statuses carried by typing_indicator events.
const (
	TypingStatusTyping  = "typing"
	TypingStatusStopped = "stopped"
)

// InboundFrame is the structured payload clients send over the socket.
// Unknown fields are ignored; unknown types are dropped by the session.
type InboundFrame struct {
	Type           MessageType `json:"type"`
	Content        string      `json:"content,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

// Sender identifies the author of a chat message.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ChatMessage is the canonical, store-assigned form of a message. The id and
// timestamp come from the persistence collaborator, never from the client.
type ChatMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Sender         Sender `json:"sender"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
}

// MessageEvent wraps a chat message for delivery
// (global_message, private_message, private_message_sent).
type MessageEvent struct {
	Type    MessageType `json:"type"`
	Message ChatMessage `json:"message"`
}

// PresenceEvent announces a user going online or offline in the global room.
type PresenceEvent struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"user_id"`
	Username string      `json:"username"`
	Status   string      `json:"status"`
}

// TypingEvent forwards a typing indicator to the conversation's other side.
type TypingEvent struct {
	Type           MessageType `json:"type"`
	UserID         string      `json:"user_id"`
	Username       string      `json:"username"`
	ConversationID string      `json:"conversation_id"`
	Status         string      `json:"status"`
}

// EventHeader is the minimal view of a fanned-out payload, used to inspect
// type and origin without decoding the full event.
type EventHeader struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id,omitempty"`
}
