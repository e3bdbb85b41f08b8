package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/tgcrm/internal/client"
	"github.com/matheus3301/tgcrm/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationInfo displays a conversation's CRM details.
type ConversationInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewConversationInfo creates a new conversation info view.
func NewConversationInfo(theme *ui.Theme) *ConversationInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetWordWrap(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Conversation Details ")
	tv.SetTitleColor(theme.TitleColor)

	return &ConversationInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Name implements Component.
func (ci *ConversationInfo) Name() string { return "Details" }

// Hints implements Component.
func (ci *ConversationInfo) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
	}
}

// Update renders conversation details.
func (ci *ConversationInfo) Update(c *client.Conversation) {
	ci.Clear()
	if c == nil {
		return
	}

	fg := fmt.Sprintf("#%06x", ci.theme.FgColor.Hex())
	ct := fmt.Sprintf("#%06x", ci.theme.CounterColor.Hex())
	row := func(label, value string) {
		if value == "" {
			value = "-"
		}
		_, _ = fmt.Fprintf(ci, " [%s::b]%-14s[-:-:-] [%s]%s[-]\n", fg, label+":", ct, tview.Escape(sanitizeForTerminal(value)))
	}

	sync := "enabled"
	if c.SyncDisabled {
		sync = "disabled"
	}
	lastSynced := ""
	if c.LastSyncedAt != nil {
		lastSynced = c.LastSyncedAt.Local().Format("2006-01-02 15:04")
	}

	_, _ = fmt.Fprint(ci, "\n")
	row("Title", c.Title)
	row("Chat ID", c.ExternalID)
	row("Type", c.Type)
	row("Sync", sync)
	row("Last synced", lastSynced)
	row("Cursor", fmt.Sprintf("%d", c.LastSyncedMessageID))
	row("Notes", c.Notes())

	if ai := c.Classification(); ai != nil {
		_, _ = fmt.Fprint(ci, "\n [::b]Classification[-:-:-]\n")
		row("Status", ai.Status)
		row("Priority", ai.Priority)
		row("Confidence", fmt.Sprintf("%.0f%%", ai.Confidence*100))
		row("Tags", strings.Join(ai.Tags, ", "))
		row("Summary", ai.Summary)
	}

	ci.SetTitle(fmt.Sprintf(" %s Details ", tview.Escape(c.Title)))
}
