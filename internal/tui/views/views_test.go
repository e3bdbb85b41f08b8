package views

import (
	"testing"
	"time"

	"github.com/matheus3301/tgcrm/internal/client"
	"github.com/matheus3301/tgcrm/internal/tui/ui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeForTerminal(t *testing.T) {
	assert.Equal(t, "👍", sanitizeForTerminal("👍\U0001F3FD"))
	assert.Equal(t, "👨👩", sanitizeForTerminal("👨\u200d👩"))
	assert.Equal(t, "plain", sanitizeForTerminal("plain"))
}

func TestConversationListFilter(t *testing.T) {
	cl := NewConversationList(ui.DefaultTheme())
	cl.Update([]client.Conversation{
		{ID: 1, Title: "Acme Corp", Metadata: []byte(`{}`)},
		{ID: 2, Title: "Bob", Metadata: []byte(`{"notes":"acme contact"}`)},
		{ID: 3, Title: "Carol", Metadata: []byte(`{}`)},
	})
	require.NotNil(t, cl.ByIndex(3))
	assert.Nil(t, cl.ByIndex(4))

	cl.SetFilter("ACME")
	require.NotNil(t, cl.ByIndex(2))
	assert.Equal(t, int64(2), cl.ByIndex(2).ID)
	assert.Nil(t, cl.ByIndex(3))

	cl.ClearFilter()
	assert.Equal(t, int64(3), cl.ByIndex(3).ID)
}

func TestFormatReactions(t *testing.T) {
	got := formatReactions([]client.Reaction{{SenderID: "a", Emoji: "👍"}, {SenderID: "b", Emoji: "🔥"}, {SenderID: "c", Emoji: "👍"}})
	assert.Equal(t, "👍 2  🔥 1", got)
	assert.Empty(t, formatReactions(nil))
}

func TestHighlight(t *testing.T) {
	assert.Equal(t, "say [::b]hi[::-] [x[]", highlight("say <<hi>> [x]"))
}

func TestFormatTimestamp(t *testing.T) {
	assert.Empty(t, formatTimestamp(time.Time{}))
	now := time.Now()
	assert.Equal(t, now.Format("15:04"), formatTimestamp(now))
}
