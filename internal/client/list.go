package client

import (
	"slices"
	gosync "sync"
	"time"
)

// MatchKey is what a confirmed item offers for matching against pending
// local items.
type MatchKey struct {
	ConversationID int64
	ExternalID     int64 // platform id, 0 when unknown
	Body           string
	Outbound       bool
	SentAt         time.Time
}

// Confirmable is a server-side item that can confirm a pending one.
type Confirmable interface {
	ItemID() int64
	Match() MatchKey
}

// PendingItem is a locally created item the server has not confirmed yet.
type PendingItem struct {
	TempID         string
	ConversationID int64
	Body           string
	CreatedAt      time.Time
	EntryID        string // outbox entry, once accepted
	ExternalID     int64  // platform id, once the outbox reports it sent
	Failed         bool
	Error          string

	// merges seen by the list when the item was added
	after uint64
}

// Item is either a confirmed server item or a pending local one.
type Item[T Confirmable] struct {
	Confirmed *T
	Pending   *PendingItem
}

// IsPending reports whether the item is a local, unconfirmed one.
func (i Item[T]) IsPending() bool { return i.Pending != nil }

// List holds confirmed items in server order followed by pending items in
// creation order. A refresh never drops a pending item until a confirmed
// item matches it.
type List[T Confirmable] struct {
	mu          gosync.Mutex
	confirmed   []T
	pending     []PendingItem
	matchWindow time.Duration
	merges      uint64
	firstSeen   map[int64]uint64 // confirmed id -> merge that first showed it
}

// NewList creates a list. matchWindow bounds how far a confirmed item's
// sent time may be from a pending item's creation time for a content
// match; 2 minutes when zero.
func NewList[T Confirmable](matchWindow time.Duration) *List[T] {
	if matchWindow <= 0 {
		matchWindow = 2 * time.Minute
	}
	return &List[T]{matchWindow: matchWindow, firstSeen: make(map[int64]uint64)}
}

// AddPending appends a local item. Confirmed items the list already holds
// can only confirm it by external id, never by content.
func (l *List[T]) AddPending(p PendingItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p.after = l.merges
	l.pending = append(l.pending, p)
}

// UpdatePending applies fn to the pending item with tempID. It reports
// whether the item is still pending.
func (l *List[T]) UpdatePending(tempID string, fn func(*PendingItem)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.pending {
		if l.pending[i].TempID == tempID {
			fn(&l.pending[i])
			return true
		}
	}
	return false
}

// RemovePending drops a local item, e.g. when the user discards a failed
// send.
func (l *List[T]) RemovePending(tempID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = slices.DeleteFunc(l.pending, func(p PendingItem) bool { return p.TempID == tempID })
}

// Pending returns a copy of the pending items.
func (l *List[T]) Pending() []PendingItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.pending)
}

// Confirmed returns a copy of the confirmed items.
func (l *List[T]) Confirmed() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.confirmed)
}

// Merge replaces the confirmed items with server's and drops every pending
// item that a confirmed item now accounts for. Each confirmed item
// confirms at most one pending item, so two identical quick sends stay
// distinct.
func (l *List[T]) Merge(server []T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.merges++
	for _, s := range server {
		if _, ok := l.firstSeen[s.ItemID()]; !ok {
			l.firstSeen[s.ItemID()] = l.merges
		}
	}
	l.confirmed = slices.Clone(server)
	used := make([]bool, len(server))
	kept := l.pending[:0]
	for _, p := range l.pending {
		if i := l.match(p, server, used); i >= 0 {
			used[i] = true
			continue
		}
		kept = append(kept, p)
	}
	// Zero the tail so dropped items are not retained.
	clear(l.pending[len(kept):])
	l.pending = kept
}

func (l *List[T]) match(p PendingItem, server []T, used []bool) int {
	if p.ExternalID != 0 {
		for i, s := range server {
			k := s.Match()
			if !used[i] && k.ConversationID == p.ConversationID && k.ExternalID == p.ExternalID {
				return i
			}
		}
	}
	for i, s := range server {
		if used[i] || l.firstSeen[s.ItemID()] <= p.after {
			continue
		}
		k := s.Match()
		if !k.Outbound || k.ConversationID != p.ConversationID || k.Body != p.Body {
			continue
		}
		if p.ExternalID != 0 && k.ExternalID != 0 && k.ExternalID != p.ExternalID {
			continue
		}
		d := k.SentAt.Sub(p.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= l.matchWindow {
			return i
		}
	}
	return -1
}

// Items returns the render order: confirmed items, then pending ones.
func (l *List[T]) Items() []Item[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Item[T], 0, len(l.confirmed)+len(l.pending))
	for i := range l.confirmed {
		c := l.confirmed[i]
		out = append(out, Item[T]{Confirmed: &c})
	}
	for i := range l.pending {
		p := l.pending[i]
		out = append(out, Item[T]{Pending: &p})
	}
	return out
}

// AppendPage appends page to existing, skipping items whose id is already
// present. Order of both is preserved.
func AppendPage[T Confirmable](existing, page []T) []T {
	seen := make(map[int64]struct{}, len(existing)+len(page))
	out := make([]T, 0, len(existing)+len(page))
	for _, it := range existing {
		seen[it.ItemID()] = struct{}{}
		out = append(out, it)
	}
	for _, it := range page {
		if _, dup := seen[it.ItemID()]; dup {
			continue
		}
		seen[it.ItemID()] = struct{}{}
		out = append(out, it)
	}
	return out
}
