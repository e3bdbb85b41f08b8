package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCacheTTL(t *testing.T) {
	now := t0
	c := NewMessageCache(0)
	c.now = func() time.Time { return now }

	c.Put(1, []Message{{ID: 3}, {ID: 2}}, true)
	msgs, more, ok := c.Get(1)
	require.True(t, ok)
	assert.True(t, more)
	assert.Len(t, msgs, 2)

	now = now.Add(4 * time.Minute)
	_, _, ok = c.Get(1)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, _, ok = c.Get(1)
	assert.False(t, ok)
}

func TestMessageCacheInvalidate(t *testing.T) {
	c := NewMessageCache(time.Hour)
	c.Put(1, []Message{{ID: 1}}, false)
	c.Put(2, []Message{{ID: 2}}, false)

	c.Invalidate(1)
	_, _, ok := c.Get(1)
	assert.False(t, ok)
	_, _, ok = c.Get(2)
	assert.True(t, ok)

	c.InvalidateAll()
	_, _, ok = c.Get(2)
	assert.False(t, ok)
}

func TestMessageCacheCopies(t *testing.T) {
	c := NewMessageCache(time.Hour)
	in := []Message{{ID: 1}}
	c.Put(1, in, false)
	in[0].ID = 99

	out, _, _ := c.Get(1)
	assert.Equal(t, int64(1), out[0].ID)
}
