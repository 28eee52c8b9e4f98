// Package presence tracks user liveness in a TTL-keyed registry shared
// across server instances. Absence of an entry means offline; on any
// ambiguity the answer is offline.
package presence

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL bounds how long a presence entry survives without a refresh.
const DefaultTTL = 60 * time.Second

// Store is the liveness registry. Writes are idempotent; concurrent
// online/offline races resolve to last-writer-wins within the TTL window.
type Store interface {
	// SetOnline marks the user online for one TTL window.
	SetOnline(ctx context.Context, userID string) error

	// Refresh extends the user's TTL window. Same write as SetOnline.
	Refresh(ctx context.Context, userID string) error

	// SetOffline removes the user's presence entry.
	SetOffline(ctx context.Context, userID string) error

	// IsOnline reports whether the user has a live presence entry.
	IsOnline(ctx context.Context, userID string) (bool, error)

	// BulkIsOnline answers IsOnline for many users in one round trip.
	BulkIsOnline(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Key returns the registry key for a user's presence entry.
func Key(userID string) string {
	return fmt.Sprintf("user_presence:%s", userID)
}
