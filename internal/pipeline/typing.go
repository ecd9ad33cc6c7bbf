package pipeline

import (
	"sync"
	"time"
)

type typingKey struct {
	channelID string
	userID    string
}

// typingTracker holds the ephemeral (channel, user) -> expiresAt entries.
// Nothing here is ever persisted.
type typingTracker struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[typingKey]time.Time
}

func newTypingTracker(ttl time.Duration) *typingTracker {
	return &typingTracker{ttl: ttl, entries: make(map[typingKey]time.Time)}
}

// start refreshes the entry. publish is false while more than half of the
// current TTL remains, so a client repeating typing_start on every keystroke
// is not rebroadcast each time.
func (t *typingTracker) start(channelID, userID string, now time.Time) (expiresAt time.Time, publish bool) {
	key := typingKey{channelID: channelID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[key]; ok && cur.Sub(now) > t.ttl/2 {
		return cur, false
	}
	expiresAt = now.Add(t.ttl)
	t.entries[key] = expiresAt
	return expiresAt, true
}

// stop clears the entry. The stop is broadcast regardless: the start may
// have been tracked by another connection's instance.
func (t *typingTracker) stop(channelID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, typingKey{channelID: channelID, userID: userID})
}

// gc drops expired entries and returns how many were removed.
func (t *typingTracker) gc(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, exp := range t.entries {
		if !now.Before(exp) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

func (t *typingTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
