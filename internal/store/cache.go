package store

import (
	"context"
	"sync"
)

type memberKey struct {
	channelID string
	userID    string
}

// MembershipCache is a read-mostly cache in front of a Membership source.
// Entries live until invalidated; there is no timer-based expiry.
type MembershipCache struct {
	source Membership

	mu       sync.RWMutex
	gen      uint64
	channels map[string][]string
	members  map[memberKey]bool
}

// NewMembershipCache wraps source.
func NewMembershipCache(source Membership) *MembershipCache {
	return &MembershipCache{
		source:   source,
		channels: make(map[string][]string),
		members:  make(map[memberKey]bool),
	}
}

// ChannelsForUser returns the cached channel list of userID, loading it on a miss.
func (c *MembershipCache) ChannelsForUser(ctx context.Context, userID string) ([]string, error) {
	c.mu.RLock()
	ids, ok := c.channels[userID]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		return append([]string(nil), ids...), nil
	}

	ids, err := c.source.ChannelsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// An invalidation that ran during the load wins over the loaded value.
	if c.gen == gen {
		c.channels[userID] = append([]string(nil), ids...)
	}
	c.mu.Unlock()
	return ids, nil
}

// IsMember returns the cached membership of userID in channelID, loading it on a miss.
func (c *MembershipCache) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	key := memberKey{channelID: channelID, userID: userID}

	c.mu.RLock()
	member, ok := c.members[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		return member, nil
	}

	member, err := c.source.IsMember(ctx, channelID, userID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.members[key] = member
	}
	c.mu.Unlock()
	return member, nil
}

// InvalidateChannel drops cached entries touching channelID. With no userIDs
// every user's channel list is dropped too, since any of them may have changed.
func (c *MembershipCache) InvalidateChannel(channelID string, userIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	if len(userIDs) == 0 {
		for key := range c.members {
			if key.channelID == channelID {
				delete(c.members, key)
			}
		}
		clear(c.channels)
		return
	}
	for _, userID := range userIDs {
		delete(c.members, memberKey{channelID: channelID, userID: userID})
		delete(c.channels, userID)
	}
}

// InvalidateUser drops every cached entry of userID.
func (c *MembershipCache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	delete(c.channels, userID)
	for key := range c.members {
		if key.userID == userID {
			delete(c.members, key)
		}
	}
}
