package views

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/tgcrm/internal/client"
	"github.com/matheus3301/tgcrm/internal/tui/ui"
	"github.com/rivo/tview"
)

// MessageThread displays messages and a composer for a single conversation.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	title    string
	convID   int64
	onSend   func(text string)
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			text := strings.TrimSpace(composer.GetText())
			if text != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// Name implements Component.
func (mt *MessageThread) Name() string {
	if mt.title != "" {
		return mt.title
	}
	return "Messages"
}

// Hints implements Component.
func (mt *MessageThread) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "i", Description: "Compose"},
		{Key: "o", Description: "Older"},
		{Key: "d", Description: "Details"},
		{Key: "x", Description: "Drop failed"},
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
	}
}

// SetConversation sets the open conversation.
func (mt *MessageThread) SetConversation(id int64, title string) {
	mt.convID = id
	mt.title = title
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(title)))
}

// ConversationID returns the open conversation.
func (mt *MessageThread) ConversationID() int64 {
	return mt.convID
}

// SetOnSend sets the callback when a message is sent.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// Update renders items, oldest first. Pending items show their send state.
func (mt *MessageThread) Update(items []client.Item[client.Message], hasMore bool) {
	mt.messages.Clear()
	if hasMore {
		_, _ = fmt.Fprint(mt.messages, "[::d]-- o loads older messages --[-:-:-]\n\n")
	}

	for _, it := range items {
		if p := it.Pending; p != nil {
			state := "[::d]sending...[-:-:-]"
			if p.Failed {
				state = "[red]failed: " + tview.Escape(p.Error) + "[-]"
			}
			_, _ = fmt.Fprintf(mt.messages, "[::b]You[-:-:-] %s\n%s\n\n",
				state, tview.Escape(sanitizeForTerminal(p.Body)))
			continue
		}

		m := it.Confirmed
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		if m.Direction == "outbound" {
			sender = "You"
		}
		ts := ""
		if m.SentAt != nil {
			ts = formatTimestamp(*m.SentAt)
		}
		body := m.Body
		if body == "" && m.ContentType != "" && m.ContentType != "text" {
			body = "[" + m.ContentType + "]"
		}
		_, _ = fmt.Fprintf(mt.messages, "[::b]%s[-:-:-] [::d]%s %s[-:-:-]\n%s\n",
			tview.Escape(sanitizeForTerminal(sender)), ts, m.Status,
			tview.Escape(sanitizeForTerminal(body)))
		if r := formatReactions(m.Reactions); r != "" {
			_, _ = fmt.Fprintf(mt.messages, "  %s\n", r)
		}
		_, _ = fmt.Fprint(mt.messages, "\n")
	}

	mt.messages.ScrollToEnd()
}

func formatReactions(rs []client.Reaction) string {
	if len(rs) == 0 {
		return ""
	}
	counts := make(map[string]int)
	var order []string
	for _, r := range rs {
		if counts[r.Emoji] == 0 {
			order = append(order, r.Emoji)
		}
		counts[r.Emoji]++
	}
	parts := make([]string, len(order))
	for i, e := range order {
		parts[i] = fmt.Sprintf("%s %d", sanitizeForTerminal(e), counts[e])
	}
	return strings.Join(parts, "  ")
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
