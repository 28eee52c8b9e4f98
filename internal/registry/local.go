package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"liquid-ws-server/internal/metrics"
)

// table is the in-process dispatch structure shared by both backends:
// group name to member id to member. All mutation happens under the mutex;
// publishes iterate over a snapshot so a slow Deliver never holds the lock.
type table struct {
	mu     sync.RWMutex
	groups map[string]map[string]Member
}

func newTable() *table {
	return &table{groups: make(map[string]map[string]Member)}
}

// add registers the member and reports whether it created the group.
func (t *table) add(group string, m Member) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.groups[group]
	if !ok {
		members = make(map[string]Member)
		t.groups[group] = members
	}
	members[m.ID()] = m
	return !ok
}

// remove deregisters the member and reports whether the group emptied.
// Removing a non-member is a no-op.
func (t *table) remove(group, memberID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.groups[group]
	if !ok {
		return false
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(t.groups, group)
		return true
	}
	return false
}

func (t *table) snapshot(group string) []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := t.groups[group]
	if len(members) == 0 {
		return nil
	}
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

func (t *table) size(group string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.groups[group])
}

func (t *table) groupCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.groups)
}

// deliverAll fans a payload out to every current group member.
func (t *table) deliverAll(group string, payload []byte, m *metrics.Registry, logger zerolog.Logger) {
	for _, member := range t.snapshot(group) {
		if member.Deliver(payload) {
			m.MessagesDelivered.Inc()
		} else {
			m.MessagesDropped.Inc()
			logger.Warn().
				Str("group", group).
				Str("member", member.ID()).
				Msg("send queue full, envelope dropped")
		}
	}
}

// Local is the single-instance registry: a direct dispatch table with no
// cross-process transport. Empty groups are pruned eagerly on leave.
type Local struct {
	table   *table
	metrics *metrics.Registry
	logger  zerolog.Logger
}

func NewLocal(m *metrics.Registry, logger zerolog.Logger) *Local {
	return &Local{
		table:   newTable(),
		metrics: m,
		logger:  logger.With().Str("component", "registry").Str("backend", "local").Logger(),
	}
}

func (l *Local) Join(ctx context.Context, group string, m Member) error {
	l.table.add(group, m)
	return nil
}

func (l *Local) Leave(ctx context.Context, group, memberID string) error {
	l.table.remove(group, memberID)
	return nil
}

func (l *Local) Publish(ctx context.Context, group string, payload []byte) error {
	l.metrics.MessagesPublished.Inc()
	l.table.deliverAll(group, payload, l.metrics, l.logger)
	return nil
}

func (l *Local) Close() error {
	return nil
}
