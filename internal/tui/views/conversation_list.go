package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/tgcrm/internal/client"
	"github.com/matheus3301/tgcrm/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList is the main conversation table.
type ConversationList struct {
	*tview.Table
	theme  *ui.Theme
	convs  []client.Conversation
	filter string
}

// NewConversationList creates a new conversation list table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitle(" Conversations ")
	table.SetTitleColor(theme.TitleColor)

	return &ConversationList{
		Table: table,
		theme: theme,
	}
}

// Name implements Component.
func (cl *ConversationList) Name() string { return "Conversations" }

// Hints implements Component.
func (cl *ConversationList) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Enter", Description: "Open"},
		{Key: "/", Description: "Filter"},
		{Key: ":", Description: "Command"},
		{Key: "g", Description: "Sync all"},
		{Key: "r", Description: "Sync one"},
		{Key: "?", Description: "Help"},
		{Key: "q", Description: "Quit"},
		{Key: "1-9", Description: "Jump", Numeric: true},
	}
}

// Update refreshes the list with new data.
func (cl *ConversationList) Update(convs []client.Conversation) {
	cl.convs = convs
	cl.render()
}

// SetFilter sets the active filter text and re-renders.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

// ClearFilter clears the active filter.
func (cl *ConversationList) ClearFilter() {
	cl.filter = ""
	cl.render()
}

func (cl *ConversationList) visible() []client.Conversation {
	if cl.filter == "" {
		return cl.convs
	}
	var out []client.Conversation
	for _, c := range cl.convs {
		if containsFold(c.Title, cl.filter) || containsFold(c.Notes(), cl.filter) || containsFold(c.ExternalID, cl.filter) {
			out = append(out, c)
		}
	}
	return out
}

func (cl *ConversationList) render() {
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" TITLE", 2},
		{" TYPE", 0},
		{" STATUS", 1},
		{" PRIORITY", 0},
		{" SYNC", 0},
		{" LAST", 0},
	}
	for col, h := range headers {
		cell := tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp)
		cl.SetCell(0, col, cell)
	}

	rows := cl.visible()
	for i, c := range rows {
		row := i + 1
		title := c.Title
		if title == "" {
			title = c.ExternalID
		}
		status, priority := "-", "-"
		if ai := c.Classification(); ai != nil {
			status, priority = ai.Status, ai.Priority
		}
		sync := "on"
		if c.SyncDisabled {
			sync = "off"
		}
		last := ""
		if c.LastMessageAt != nil {
			last = formatTimestamp(*c.LastMessageAt)
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(title))).SetExpansion(2).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 1, tview.NewTableCell(" "+c.Type).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 2, tview.NewTableCell(" "+tview.Escape(status)).SetExpansion(1).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 3, tview.NewTableCell(" "+tview.Escape(priority)).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 4, tview.NewTableCell(" "+sync).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 5, tview.NewTableCell(last).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(rows), len(cl.convs), cl.filter))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.convs)))
	}
}

// Selected returns the currently selected conversation, or nil.
func (cl *ConversationList) Selected() *client.Conversation {
	row, _ := cl.GetSelection()
	return cl.ByIndex(row)
}

// ByIndex returns the Nth visible conversation (1-based), or nil.
func (cl *ConversationList) ByIndex(n int) *client.Conversation {
	rows := cl.visible()
	if n < 1 || n > len(rows) {
		return nil
	}
	c := rows[n-1]
	return &c
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
