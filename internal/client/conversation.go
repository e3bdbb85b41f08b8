package client

import (
	"context"
	"errors"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
)

// API is the part of Client a conversation view needs.
type API interface {
	Messages(ctx context.Context, conversationID, before int64, limit int) (*Page, error)
	Send(ctx context.Context, conversationID int64, req SendRequest) (*Accepted, error)
	OutboxEntry(ctx context.Context, entryID string) (*Entry, error)
}

// ErrEmptyMessage is returned by Send for blank text.
var ErrEmptyMessage = errors.New("client: empty message")

// ConversationView keeps one open conversation's messages: confirmed ones
// from the server, oldest first, followed by locally sent ones still in
// flight.
type ConversationView struct {
	api      API
	cache    *MessageCache
	pageSize int
	now      func() time.Time

	mu      gosync.Mutex
	id      int64
	loaded  []Message // newest first
	hasMore bool
	list    *List[Message]
}

// NewConversationView creates a view. cache may be shared between views.
func NewConversationView(api API, cache *MessageCache, pageSize int) *ConversationView {
	if cache == nil {
		cache = NewMessageCache(0)
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &ConversationView{
		api:      api,
		cache:    cache,
		pageSize: pageSize,
		now:      time.Now,
		list:     NewList[Message](0),
	}
}

// ID returns the open conversation, 0 if none.
func (v *ConversationView) ID() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.id
}

// HasMore reports whether older messages remain on the server.
func (v *ConversationView) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// Open switches to a conversation. Cached messages are shown at once and
// replaced by a fresh page.
func (v *ConversationView) Open(ctx context.Context, id int64) error {
	v.mu.Lock()
	if v.id != id {
		v.id = id
		v.loaded = nil
		v.hasMore = false
		v.list = NewList[Message](0)
	}
	if msgs, more, ok := v.cache.Get(id); ok {
		v.loaded, v.hasMore = msgs, more
		v.list.Merge(reversed(msgs))
	}
	v.mu.Unlock()
	return v.Refresh(ctx)
}

// Refresh fetches the newest page and merges it with what is loaded.
// Older pages already loaded are kept.
func (v *ConversationView) Refresh(ctx context.Context) error {
	id := v.ID()
	if id == 0 {
		return nil
	}
	page, err := v.api.Messages(ctx, id, 0, v.pageSize)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.id != id {
		return nil
	}
	if len(v.loaded) == 0 {
		v.hasMore = page.HasMore
	}
	v.loaded = AppendPage(page.Messages, v.loaded)
	v.cache.Put(id, v.loaded, v.hasMore)
	v.list.Merge(reversed(v.loaded))
	return nil
}

// LoadOlder fetches the page before the oldest loaded message.
func (v *ConversationView) LoadOlder(ctx context.Context) error {
	v.mu.Lock()
	id := v.id
	var before int64
	if n := len(v.loaded); n > 0 {
		before = v.loaded[n-1].ID
	}
	more := v.hasMore
	v.mu.Unlock()
	if id == 0 || before == 0 || !more {
		return nil
	}

	page, err := v.api.Messages(ctx, id, before, v.pageSize)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.id != id {
		return nil
	}
	v.loaded = AppendPage(v.loaded, page.Messages)
	v.hasMore = page.HasMore
	v.cache.Put(id, v.loaded, v.hasMore)
	v.list.Merge(reversed(v.loaded))
	return nil
}

// Send queues text and shows it as pending until a refresh confirms it.
// The returned temp id identifies the pending item.
func (v *ConversationView) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	v.mu.Lock()
	id, list := v.id, v.list
	v.mu.Unlock()
	if id == 0 {
		return "", ErrNotFound
	}

	tempID := uuid.NewString()
	list.AddPending(PendingItem{TempID: tempID, ConversationID: id, Body: text, CreatedAt: v.now()})
	v.cache.Invalidate(id)

	acc, err := v.api.Send(ctx, id, SendRequest{Text: text})
	if err != nil {
		list.UpdatePending(tempID, func(p *PendingItem) {
			p.Failed = true
			p.Error = err.Error()
		})
		return tempID, err
	}
	list.UpdatePending(tempID, func(p *PendingItem) { p.EntryID = acc.ID })
	return tempID, nil
}

// TrackPending asks the outbox about every pending item that has an
// entry, recording the platform id once sent and the error once failed.
func (v *ConversationView) TrackPending(ctx context.Context) error {
	v.mu.Lock()
	list := v.list
	v.mu.Unlock()
	for _, p := range list.Pending() {
		if p.EntryID == "" || p.Failed || p.ExternalID != 0 {
			continue
		}
		e, err := v.api.OutboxEntry(ctx, p.EntryID)
		if err != nil {
			return err
		}
		list.UpdatePending(p.TempID, func(p *PendingItem) {
			switch e.Status {
			case "sent":
				p.ExternalID = e.ExternalMessageID
			case "failed":
				p.Failed = true
				p.Error = e.LastError
			}
		})
	}
	return nil
}

// Discard drops a pending item.
func (v *ConversationView) Discard(tempID string) {
	v.mu.Lock()
	list := v.list
	v.mu.Unlock()
	list.RemovePending(tempID)
}

// Items returns what to render, oldest first.
func (v *ConversationView) Items() []Item[Message] {
	v.mu.Lock()
	list := v.list
	v.mu.Unlock()
	return list.Items()
}

// HandleCompletion refreshes after a sync run that touched this
// conversation.
func (v *ConversationView) HandleCompletion(ctx context.Context, c Completion) error {
	id := v.ID()
	switch {
	case c.Kind == CompletionGlobal:
		v.cache.InvalidateAll()
	case c.ConversationID != 0:
		v.cache.Invalidate(c.ConversationID)
		if c.ConversationID != id {
			return nil
		}
	default:
		return nil
	}
	if id == 0 {
		return nil
	}
	return v.Refresh(ctx)
}

func reversed(msgs []Message) []Message {
	out := slices.Clone(msgs)
	slices.Reverse(out)
	return out
}
