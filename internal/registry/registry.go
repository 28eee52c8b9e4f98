// Package registry implements the group fan-out layer: named sets of
// connections that all receive envelopes published to the group. Handlers
// program against the Registry interface; whether delivery stays in-process
// or crosses instances over NATS is a deployment decision.
package registry

import (
	"context"
	"fmt"
)

// GroupGlobal is the singleton broadcast group every authenticated global
// room session joins.
const GroupGlobal = "global_chat"

// UserGroup returns the implicit per-user inbox group name. Every session
// belonging to the user joins the same group (multi-device fan-in).
func UserGroup(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// Member is a deliverable endpoint registered in a group, in practice a
// connection session. Deliver must not block: it enqueues onto a bounded
// send queue and reports false when the queue is full.
type Member interface {
	ID() string
	Deliver(payload []byte) bool
}

// Registry is the group membership and publish contract.
//
// Join and Leave are idempotent. Publish delivers the payload at least once
// to every member registered at publish time; ordering is FIFO per publisher
// only. Local members receive before any cross-process round trip completes.
type Registry interface {
	Join(ctx context.Context, group string, m Member) error
	Leave(ctx context.Context, group, memberID string) error
	Publish(ctx context.Context, group string, payload []byte) error
	Close() error
}
