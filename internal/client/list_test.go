package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func outbound(id, conv int64, body string, at time.Time) Message {
	return Message{ID: id, ConversationID: conv, Direction: "outbound", Body: body, SentAt: &at}
}

func TestListKeepsPendingUntilConfirmed(t *testing.T) {
	l := NewList[Message](time.Minute)
	l.AddPending(PendingItem{TempID: "a", ConversationID: 1, Body: "hi", CreatedAt: t0})

	// A refresh that predates the send must not drop the pending item.
	l.Merge([]Message{outbound(1, 1, "earlier", t0.Add(-time.Hour))})
	items := l.Items()
	require.Len(t, items, 2)
	assert.False(t, items[0].IsPending())
	assert.True(t, items[1].IsPending())

	l.Merge([]Message{outbound(1, 1, "earlier", t0.Add(-time.Hour)), outbound(2, 1, "hi", t0.Add(2*time.Second))})
	items = l.Items()
	require.Len(t, items, 2)
	assert.False(t, items[1].IsPending())
	assert.Empty(t, l.Pending())
}

func TestListMatchWindow(t *testing.T) {
	l := NewList[Message](time.Minute)
	l.AddPending(PendingItem{TempID: "a", ConversationID: 1, Body: "hi", CreatedAt: t0})

	l.Merge([]Message{outbound(1, 1, "hi", t0.Add(-10*time.Minute))})
	assert.Len(t, l.Pending(), 1, "same text sent long ago is a different message")

	inbound := Message{ID: 2, ConversationID: 1, Direction: "inbound", Body: "hi", SentAt: &t0}
	l.Merge([]Message{inbound})
	assert.Len(t, l.Pending(), 1, "inbound messages never confirm a send")

	l.Merge([]Message{outbound(3, 2, "hi", t0)})
	assert.Len(t, l.Pending(), 1, "other conversation")
}

func TestListMatchesByExternalID(t *testing.T) {
	l := NewList[Message](time.Minute)
	l.AddPending(PendingItem{TempID: "a", ConversationID: 1, Body: "hi", CreatedAt: t0, ExternalID: 77})

	other := outbound(1, 1, "hi", t0)
	other.ExternalID = 76
	l.Merge([]Message{other})
	assert.Len(t, l.Pending(), 1)

	// Body differs (e.g. trimmed by the platform) but the id is known.
	mine := outbound(2, 1, "hi!", t0.Add(time.Hour))
	mine.ExternalID = 77
	l.Merge([]Message{other, mine})
	assert.Empty(t, l.Pending())
}

func TestListIdenticalSendsStayDistinct(t *testing.T) {
	l := NewList[Message](time.Minute)
	l.AddPending(PendingItem{TempID: "a", ConversationID: 1, Body: "ok", CreatedAt: t0})
	l.AddPending(PendingItem{TempID: "b", ConversationID: 1, Body: "ok", CreatedAt: t0.Add(time.Second)})

	l.Merge([]Message{outbound(1, 1, "ok", t0)})
	pending := l.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].TempID)

	l.Merge([]Message{outbound(1, 1, "ok", t0), outbound(2, 1, "ok", t0.Add(time.Second))})
	assert.Empty(t, l.Pending())
}

func TestListIgnoresEarlierIdenticalMessage(t *testing.T) {
	l := NewList[Message](time.Minute)
	l.Merge([]Message{outbound(1, 1, "ok", t0.Add(-30*time.Second))})
	l.AddPending(PendingItem{TempID: "a", ConversationID: 1, Body: "ok", CreatedAt: t0})

	l.Merge([]Message{outbound(1, 1, "ok", t0.Add(-30*time.Second))})
	require.Len(t, l.Pending(), 1, "a message the list already held cannot confirm a new send")

	l.Merge([]Message{outbound(1, 1, "ok", t0.Add(-30*time.Second)), outbound(2, 1, "ok", t0.Add(time.Second))})
	assert.Empty(t, l.Pending())
	assert.Len(t, l.Items(), 2)
}

func TestListPendingOrderAndUpdates(t *testing.T) {
	l := NewList[Message](0)
	l.AddPending(PendingItem{TempID: "a", ConversationID: 1, Body: "one", CreatedAt: t0})
	l.AddPending(PendingItem{TempID: "b", ConversationID: 1, Body: "two", CreatedAt: t0})
	l.Merge([]Message{outbound(9, 1, "x", t0.Add(-time.Hour))})

	assert.True(t, l.UpdatePending("a", func(p *PendingItem) { p.Failed = true }))
	assert.False(t, l.UpdatePending("zzz", func(*PendingItem) {}))

	items := l.Items()
	require.Len(t, items, 3)
	assert.Equal(t, int64(9), items[0].Confirmed.ID)
	assert.Equal(t, "a", items[1].Pending.TempID)
	assert.True(t, items[1].Pending.Failed)
	assert.Equal(t, "b", items[2].Pending.TempID)

	l.RemovePending("a")
	require.Len(t, l.Pending(), 1)
	assert.Equal(t, "b", l.Pending()[0].TempID)
}

func TestAppendPageSkipsOverlap(t *testing.T) {
	// Page 1 holds 5..1 by id, newest first. New messages arrived, so
	// page 2 starts with two already-seen ids.
	var page1, page2 []Message
	for id := int64(10); id >= 6; id-- {
		page1 = append(page1, Message{ID: id})
	}
	for id := int64(7); id >= 3; id-- {
		page2 = append(page2, Message{ID: id})
	}

	got := AppendPage(page1, page2)
	ids := make([]int64, len(got))
	for i, m := range got {
		ids[i] = m.ID
	}
	assert.Equal(t, []int64{10, 9, 8, 7, 6, 5, 4, 3}, ids)
}

func TestAppendPageDedupsWithinPage(t *testing.T) {
	got := AppendPage(nil, []Message{{ID: 2}, {ID: 2}, {ID: 1}})
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[1].ID)
}
