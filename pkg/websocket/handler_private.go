package websocket

import (
	"context"
	"encoding/json"
	"time"

	"liquid-ws-server/internal/registry"
	"liquid-ws-server/internal/types"
)

// PrivateHandler binds a session to the directed plane: the user's inbox
// group. Joining and leaving are silent; private presence is visible only
// through explicit queries, never broadcast.
type PrivateHandler struct{}

func (PrivateHandler) OnJoined(ctx context.Context, s *Session) error {
	return s.joinGroup(ctx, registry.UserGroup(s.identity.UserID))
}

func (h PrivateHandler) OnFrame(ctx context.Context, s *Session, frame types.InboundFrame) {
	switch frame.Type {
	case types.MessageTypeSendPrivate:
		h.handleSend(ctx, s, frame)
	case types.MessageTypeTypingStart:
		h.forwardTyping(ctx, s, frame.ConversationID, types.TypingStatusTyping)
	case types.MessageTypeTypingStop:
		h.forwardTyping(ctx, s, frame.ConversationID, types.TypingStatusStopped)
	default:
		s.deps.Metrics.FramesRejected.Inc()
	}
}

func (PrivateHandler) handleSend(ctx context.Context, s *Session, frame types.InboundFrame) {
	if frame.ConversationID == "" {
		s.deps.Metrics.FramesRejected.Inc()
		return
	}
	content, ok := s.prepareContent(frame.Content)
	if !ok {
		return
	}

	start := time.Now()
	record, err := s.deps.Messages.SavePrivate(ctx, s.identity.UserID, frame.ConversationID, content)
	if err != nil {
		s.deps.Metrics.PersistenceFailures.Inc()
		s.logger.Warn().Err(err).Str("conversation_id", frame.ConversationID).
			Msg("private message persistence failed")
		return
	}

	recipient, err := s.deps.Conversations.OtherParticipant(ctx, frame.ConversationID, s.identity.UserID)
	if err != nil {
		// Unresolvable conversation: the send is dropped with no error
		// surfaced to the sender.
		s.deps.Metrics.RoutingFailures.Inc()
		s.logger.Debug().Err(err).Str("conversation_id", frame.ConversationID).
			Msg("recipient resolution failed")
		return
	}

	message := types.ChatMessage{
		ID:             record.ID,
		ConversationID: frame.ConversationID,
		Sender: types.Sender{
			ID:       s.identity.UserID,
			Username: s.identity.Username,
		},
		Content:   content,
		Timestamp: formatTimestamp(record.Timestamp),
	}

	delivery, err := json.Marshal(types.MessageEvent{
		Type:    types.MessageTypePrivateMessage,
		Message: message,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("encode private message")
		return
	}
	if err := s.deps.Registry.Publish(ctx, registry.UserGroup(recipient), delivery); err != nil {
		s.logger.Warn().Err(err).Msg("private publish failed")
	}
	s.deps.Metrics.PublishLatency.Observe(time.Since(start).Seconds())

	// The sender's confirmation goes straight to this socket, not through
	// the inbox group: their other devices do not need a copy.
	ack, err := json.Marshal(types.MessageEvent{
		Type:    types.MessageTypePrivateMessageSent,
		Message: message,
	})
	if err != nil {
		return
	}
	s.enqueue(ack)
}

// forwardTyping relays a typing indicator to the recipient's inbox group.
// Indicators are never persisted and never echoed to the sender.
func (PrivateHandler) forwardTyping(ctx context.Context, s *Session, conversationID, status string) {
	if conversationID == "" {
		s.deps.Metrics.FramesRejected.Inc()
		return
	}

	recipient, err := s.deps.Conversations.OtherParticipant(ctx, conversationID, s.identity.UserID)
	if err != nil {
		s.deps.Metrics.RoutingFailures.Inc()
		return
	}

	payload, err := json.Marshal(types.TypingEvent{
		Type:           types.MessageTypeTypingIndicator,
		UserID:         s.identity.UserID,
		Username:       s.identity.Username,
		ConversationID: conversationID,
		Status:         status,
	})
	if err != nil {
		return
	}
	if err := s.deps.Registry.Publish(ctx, registry.UserGroup(recipient), payload); err != nil {
		s.logger.Warn().Err(err).Msg("typing indicator publish failed")
	}
}

func (PrivateHandler) OnClosing(ctx context.Context, s *Session) {
	s.leaveGroups(ctx)
}

func (PrivateHandler) OnDeparted(ctx context.Context, s *Session) {
	// Inbox groups get no departure notification.
}
