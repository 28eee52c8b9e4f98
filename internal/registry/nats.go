package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"liquid-ws-server/internal/metrics"
)

const subjectPrefix = "chat.groups."

// subjectFor maps a group name onto a NATS subject. Group names use ":" as
// a namespace separator, which NATS subjects do not allow.
func subjectFor(group string) string {
	return subjectPrefix + strings.ReplaceAll(group, ":", ".")
}

// wireEnvelope is the cross-process frame. Origin identifies the publishing
// instance so subscribers can skip their own echoes: local members were
// already delivered to synchronously at publish time.
type wireEnvelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// NATSConfig holds connection tuning for the distributed backend.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	MaxPingsOut   int
}

// NATS is the multi-instance registry. Membership stays in the local
// dispatch table; every publish is delivered locally first, then mirrored
// onto a per-group subject for the other instances. A subject subscription
// exists only while the group has local members, so cross-process state
// decays with the last leave rather than by TTL.
type NATS struct {
	table   *table
	conn    *nats.Conn
	origin  string
	metrics *metrics.Registry
	logger  zerolog.Logger

	subsMu sync.Mutex
	subs   map[string]*nats.Subscription
}

// NewNATS connects to the NATS deployment and returns a distributed registry.
func NewNATS(cfg NATSConfig, m *metrics.Registry, logger zerolog.Logger) (*NATS, error) {
	r := &NATS{
		table:   newTable(),
		origin:  uuid.NewString(),
		metrics: m,
		logger:  logger.With().Str("component", "registry").Str("backend", "nats").Logger(),
		subs:    make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			r.logger.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			r.logger.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	r.conn = conn
	r.logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")

	return r, nil
}

func (r *NATS) Join(ctx context.Context, group string, m Member) error {
	created := r.table.add(group, m)
	if !created {
		return nil
	}

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if _, ok := r.subs[group]; ok {
		return nil
	}

	sub, err := r.conn.Subscribe(subjectFor(group), func(msg *nats.Msg) {
		r.handleRemote(group, msg.Data)
	})
	if err != nil {
		r.table.remove(group, m.ID())
		return fmt.Errorf("subscribe to group %s: %w", group, err)
	}
	r.subs[group] = sub
	r.logger.Debug().Str("group", group).Msg("subscribed to group subject")
	return nil
}

func (r *NATS) Leave(ctx context.Context, group, memberID string) error {
	emptied := r.table.remove(group, memberID)
	if !emptied {
		return nil
	}
	return r.dropSubscriptionIfEmpty(group)
}

// dropSubscriptionIfEmpty releases the group's subject subscription unless a
// member re-registered after the caller observed the group empty. A Join that
// lands between the table removal and this lock finds the subscription entry
// still present and relies on it, so the re-check keeps the two in step.
func (r *NATS) dropSubscriptionIfEmpty(group string) error {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	if r.table.size(group) > 0 {
		return nil
	}
	sub, ok := r.subs[group]
	if !ok {
		return nil
	}
	delete(r.subs, group)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe from group %s: %w", group, err)
	}
	r.logger.Debug().Str("group", group).Msg("unsubscribed from group subject")
	return nil
}

// Publish fans out to local members synchronously, then mirrors the payload
// to other instances. A transport failure after local delivery is best
// effort: it is counted and logged but does not roll back local fan-out.
func (r *NATS) Publish(ctx context.Context, group string, payload []byte) error {
	r.metrics.MessagesPublished.Inc()
	r.table.deliverAll(group, payload, r.metrics, r.logger)

	data, err := json.Marshal(wireEnvelope{Origin: r.origin, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope for group %s: %w", group, err)
	}
	if err := r.conn.Publish(subjectFor(group), data); err != nil {
		r.metrics.DeliveryFailures.Inc()
		return fmt.Errorf("publish to group %s: %w", group, err)
	}
	return nil
}

func (r *NATS) handleRemote(group string, data []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn().Err(err).Str("group", group).Msg("malformed envelope on group subject")
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.table.deliverAll(group, env.Payload, r.metrics, r.logger)
}

func (r *NATS) Close() error {
	r.subsMu.Lock()
	for group, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn().Err(err).Str("group", group).Msg("unsubscribe during close")
		}
	}
	r.subs = make(map[string]*nats.Subscription)
	r.subsMu.Unlock()

	r.conn.Close()
	return nil
}
