package client

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves messages newest first from an in-memory conversation.
type fakeAPI struct {
	mu      gosync.Mutex
	msgs    map[int64][]Message // oldest first
	sendErr error
	sent    []SendRequest
	entries map[string]*Entry
	calls   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{msgs: make(map[int64][]Message), entries: make(map[string]*Entry)}
}

func (f *fakeAPI) add(conv int64, m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ConversationID = conv
	f.msgs[conv] = append(f.msgs[conv], m)
}

func (f *fakeAPI) Messages(_ context.Context, conv, before int64, limit int) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	all := f.msgs[conv]
	var out []Message
	for i := len(all) - 1; i >= 0; i-- {
		if before > 0 && all[i].ID >= before {
			continue
		}
		out = append(out, all[i])
		if len(out) == limit+1 {
			break
		}
	}
	more := len(out) > limit
	if more {
		out = out[:limit]
	}
	return &Page{Messages: out, HasMore: more}, nil
}

func (f *fakeAPI) Send(_ context.Context, _ int64, req SendRequest) (*Accepted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	id := "entry-" + req.Text
	f.entries[id] = &Entry{ID: id, Status: "pending"}
	return &Accepted{ID: id, Status: "pending"}, nil
}

func (f *fakeAPI) OutboxEntry(_ context.Context, id string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func ids(items []Item[Message]) []int64 {
	var out []int64
	for _, it := range items {
		if it.Confirmed != nil {
			out = append(out, it.Confirmed.ID)
		}
	}
	return out
}

func TestConversationViewPaging(t *testing.T) {
	api := newFakeAPI()
	for id := int64(1); id <= 5; id++ {
		api.add(7, Message{ID: id, Direction: "inbound"})
	}
	v := NewConversationView(api, nil, 2)
	ctx := context.Background()

	require.NoError(t, v.Open(ctx, 7))
	assert.Equal(t, []int64{4, 5}, ids(v.Items()))
	assert.True(t, v.HasMore())

	// A new message arrives before the next page is requested.
	api.add(7, Message{ID: 6, Direction: "inbound"})
	require.NoError(t, v.Refresh(ctx))
	assert.Equal(t, []int64{4, 5, 6}, ids(v.Items()))

	require.NoError(t, v.LoadOlder(ctx))
	require.NoError(t, v.LoadOlder(ctx))
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, ids(v.Items()))
	assert.False(t, v.HasMore())

	require.NoError(t, v.LoadOlder(ctx), "nothing left is not an error")
}

func TestConversationViewOpenUsesCache(t *testing.T) {
	api := newFakeAPI()
	api.add(1, Message{ID: 1})
	cache := NewMessageCache(time.Hour)
	cache.Put(1, []Message{{ID: 1, ConversationID: 1}}, false)

	v := NewConversationView(api, cache, 10)
	require.NoError(t, v.Open(context.Background(), 1))
	assert.Equal(t, 1, api.calls, "cached view is still refreshed")
}

func TestConversationViewSendLifecycle(t *testing.T) {
	api := newFakeAPI()
	v := NewConversationView(api, nil, 10)
	v.now = func() time.Time { return t0 }
	ctx := context.Background()
	require.NoError(t, v.Open(ctx, 3))

	_, err := v.Send(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	tempID, err := v.Send(ctx, "hello")
	require.NoError(t, err)
	items := v.Items()
	require.Len(t, items, 1)
	require.True(t, items[0].IsPending())
	assert.Equal(t, tempID, items[0].Pending.TempID)
	assert.Equal(t, "entry-hello", items[0].Pending.EntryID)

	// A refresh before the worker delivered keeps the pending item.
	require.NoError(t, v.Refresh(ctx))
	require.Len(t, v.Items(), 1)

	api.mu.Lock()
	api.entries["entry-hello"].Status = "sent"
	api.entries["entry-hello"].ExternalMessageID = 501
	api.mu.Unlock()
	require.NoError(t, v.TrackPending(ctx))
	assert.Equal(t, int64(501), v.Items()[0].Pending.ExternalID)

	at := t0.Add(time.Second)
	api.add(3, Message{ID: 10, ExternalID: 501, Direction: "outbound", Body: "hello", SentAt: &at})
	require.NoError(t, v.Refresh(ctx))
	items = v.Items()
	require.Len(t, items, 1)
	assert.False(t, items[0].IsPending())
}

func TestConversationViewSendFailure(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("daemon down")
	v := NewConversationView(api, nil, 10)
	ctx := context.Background()
	require.NoError(t, v.Open(ctx, 3))

	tempID, err := v.Send(ctx, "hello")
	require.Error(t, err)
	items := v.Items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Pending.Failed)
	assert.Equal(t, "daemon down", items[0].Pending.Error)

	v.Discard(tempID)
	assert.Empty(t, v.Items())
}

func TestConversationViewHandleCompletion(t *testing.T) {
	api := newFakeAPI()
	api.add(1, Message{ID: 1})
	v := NewConversationView(api, nil, 10)
	ctx := context.Background()
	require.NoError(t, v.Open(ctx, 1))
	require.Equal(t, 1, api.calls)

	require.NoError(t, v.HandleCompletion(ctx, Completion{Kind: CompletionSingle, ConversationID: 2}))
	assert.Equal(t, 1, api.calls, "other conversation")

	api.add(1, Message{ID: 2})
	require.NoError(t, v.HandleCompletion(ctx, Completion{Kind: CompletionSingle, ConversationID: 1}))
	assert.Equal(t, 2, api.calls)
	assert.Equal(t, []int64{1, 2}, ids(v.Items()))

	require.NoError(t, v.HandleCompletion(ctx, Completion{Kind: CompletionGlobal}))
	assert.Equal(t, 3, api.calls)
}

func TestConversationViewRepeatedTextStaysPending(t *testing.T) {
	api := newFakeAPI()
	earlier := t0.Add(-30 * time.Second)
	api.add(3, Message{ID: 1, Direction: "outbound", Body: "ok", SentAt: &earlier})
	v := NewConversationView(api, nil, 10)
	v.now = func() time.Time { return t0 }
	ctx := context.Background()
	require.NoError(t, v.Open(ctx, 3))

	_, err := v.Send(ctx, "ok")
	require.NoError(t, err)
	require.NoError(t, v.Refresh(ctx))
	items := v.Items()
	require.Len(t, items, 2)
	assert.True(t, items[1].IsPending())

	at := t0.Add(time.Second)
	api.add(3, Message{ID: 2, Direction: "outbound", Body: "ok", SentAt: &at})
	require.NoError(t, v.Refresh(ctx))
	assert.Equal(t, []int64{1, 2}, ids(v.Items()))
	assert.Len(t, v.Items(), 2)
}
