package client

import (
	"slices"
	gosync "sync"
	"time"
)

// MessageCache keeps recently viewed conversations' messages for instant
// display on switch. Entries expire after the TTL.
type MessageCache struct {
	mu      gosync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]cacheEntry
}

type cacheEntry struct {
	messages []Message
	hasMore  bool
	stored   time.Time
}

// NewMessageCache creates a cache; 5 minutes when ttl is zero.
func NewMessageCache(ttl time.Duration) *MessageCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MessageCache{ttl: ttl, now: time.Now, entries: make(map[int64]cacheEntry)}
}

// Get returns the cached messages, newest first, while they are fresh.
func (c *MessageCache) Get(conversationID int64) ([]Message, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return nil, false, false
	}
	if c.now().Sub(e.stored) > c.ttl {
		delete(c.entries, conversationID)
		return nil, false, false
	}
	return slices.Clone(e.messages), e.hasMore, true
}

// Put stores a conversation's messages.
func (c *MessageCache) Put(conversationID int64, messages []Message, hasMore bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[conversationID] = cacheEntry{messages: slices.Clone(messages), hasMore: hasMore, stored: c.now()}
}

// Invalidate drops one conversation.
func (c *MessageCache) Invalidate(conversationID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}

// InvalidateAll drops everything, e.g. after a global sync.
func (c *MessageCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}
