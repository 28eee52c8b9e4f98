package websocket

import (
	"context"
	"encoding/json"
	"time"

	"liquid-ws-server/internal/registry"
	"liquid-ws-server/internal/types"
)

// GlobalHandler binds a session to the broadcast plane: the singleton global
// room every authenticated session joins. It owns no state of its own.
type GlobalHandler struct{}

func (GlobalHandler) OnJoined(ctx context.Context, s *Session) error {
	if err := s.joinGroup(ctx, registry.GroupGlobal); err != nil {
		return err
	}
	publishPresence(ctx, s, types.PresenceOnline)
	return nil
}

func (GlobalHandler) OnFrame(ctx context.Context, s *Session, frame types.InboundFrame) {
	if frame.Type != types.MessageTypeSendGlobal {
		s.deps.Metrics.FramesRejected.Inc()
		return
	}

	content, ok := s.prepareContent(frame.Content)
	if !ok {
		return
	}

	start := time.Now()
	record, err := s.deps.Messages.SaveGlobal(ctx, s.identity.UserID, content)
	if err != nil {
		// No partial visibility: a failed save means no fan-out.
		s.deps.Metrics.PersistenceFailures.Inc()
		s.logger.Warn().Err(err).Msg("global message persistence failed")
		return
	}

	event := types.MessageEvent{
		Type: types.MessageTypeGlobalMessage,
		Message: types.ChatMessage{
			ID: record.ID,
			Sender: types.Sender{
				ID:       s.identity.UserID,
				Username: s.identity.Username,
			},
			Content:   content,
			Timestamp: formatTimestamp(record.Timestamp),
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode global message")
		return
	}

	if err := s.deps.Registry.Publish(ctx, registry.GroupGlobal, payload); err != nil {
		s.logger.Warn().Err(err).Msg("global publish failed")
	}
	s.deps.Metrics.PublishLatency.Observe(time.Since(start).Seconds())
}

func (GlobalHandler) OnClosing(ctx context.Context, s *Session) {
	s.leaveGroups(ctx)
}

func (GlobalHandler) OnDeparted(ctx context.Context, s *Session) {
	publishPresence(ctx, s, types.PresenceOffline)
}

// publishPresence announces a status change to the global room. The session
// whose state changed never receives it (suppressed at Deliver).
func publishPresence(ctx context.Context, s *Session, status string) {
	event := types.PresenceEvent{
		Type:     types.MessageTypeUserPresence,
		UserID:   s.identity.UserID,
		Username: s.identity.Username,
		Status:   status,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.deps.Registry.Publish(ctx, registry.GroupGlobal, payload); err != nil {
		s.logger.Warn().Err(err).Str("status", status).Msg("presence broadcast failed")
	}
}
