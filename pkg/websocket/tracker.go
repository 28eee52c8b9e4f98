package websocket

import "sync"

// presenceTracker counts live sessions per user on this instance. A user's
// presence entry is shared by all their sessions, so it is cleared only when
// the last local session tears down; clearing it earlier would read a
// still-connected user as offline until the next refresh tick.
type presenceTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{counts: make(map[string]int)}
}

func (t *presenceTracker) inc(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[userID]++
}

// dec reports whether this was the user's last session on the instance.
func (t *presenceTracker) dec(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[userID] <= 1 {
		delete(t.counts, userID)
		return true
	}
	t.counts[userID]--
	return false
}
