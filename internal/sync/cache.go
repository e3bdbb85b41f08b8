package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/matheus3301/tgcrm/internal/store"
)

// Entry is what the live path needs to know about a conversation.
type Entry struct {
	ID           int64
	SyncDisabled bool
}

// Cache maps platform chat ids to conversation rows. The database stays the
// source of truth: a miss or a failed write re-derives the entry from it.
type Cache struct {
	db      *store.DB
	mu      gosync.RWMutex
	entries map[string]Entry
}

// NewCache creates an empty cache over db.
func NewCache(db *store.DB) *Cache {
	return &Cache{db: db, entries: make(map[string]Entry)}
}

func (c *Cache) get(externalID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[externalID]
	return e, ok
}

// Put records an entry.
func (c *Cache) Put(externalID string, e Entry) {
	c.mu.Lock()
	c.entries[externalID] = e
	c.mu.Unlock()
}

// Lookup returns the entry for externalID, reading the database on a miss.
// The boolean is false when the conversation does not exist.
func (c *Cache) Lookup(ctx context.Context, externalID string) (Entry, bool, error) {
	if e, ok := c.get(externalID); ok {
		return e, true, nil
	}
	conv, err := c.db.GetConversationByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup conversation %s: %w", externalID, err)
	}
	e := Entry{ID: conv.ID, SyncDisabled: conv.SyncDisabled}
	c.Put(externalID, e)
	return e, true, nil
}

// Ensure returns the entry for conv.ExternalID, creating the conversation
// when it has never been seen.
func (c *Cache) Ensure(ctx context.Context, conv *store.Conversation) (Entry, error) {
	if e, ok := c.get(conv.ExternalID); ok {
		return e, nil
	}
	id, created, err := c.db.EnsureConversation(ctx, conv)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{ID: id}
	if !created {
		existing, err := c.db.GetConversation(ctx, id)
		if err != nil {
			return Entry{}, fmt.Errorf("load conversation %d: %w", id, err)
		}
		e.SyncDisabled = existing.SyncDisabled
	}
	c.Put(conv.ExternalID, e)
	return e, nil
}

// Invalidate drops the entry for externalID.
func (c *Cache) Invalidate(externalID string) {
	c.mu.Lock()
	delete(c.entries, externalID)
	c.mu.Unlock()
}

// InvalidateID drops whichever entry points at conversation id.
func (c *Cache) InvalidateID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ext, e := range c.entries {
		if e.ID == id {
			delete(c.entries, ext)
		}
	}
}

// Reload replaces the cache with the current database contents.
func (c *Cache) Reload(ctx context.Context) error {
	idx, err := c.db.ConversationIndex(ctx)
	if err != nil {
		return fmt.Errorf("load conversation index: %w", err)
	}
	syncable, err := c.db.ListSyncableConversations(ctx)
	if err != nil {
		return fmt.Errorf("load syncable conversations: %w", err)
	}
	enabled := make(map[int64]bool, len(syncable))
	for _, conv := range syncable {
		enabled[conv.ID] = true
	}

	entries := make(map[string]Entry, len(idx))
	for ext, id := range idx {
		entries[ext] = Entry{ID: id, SyncDisabled: !enabled[id]}
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
