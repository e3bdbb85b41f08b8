package ui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
)

// StatusData is what the header status panel shows.
type StatusData struct {
	Account       string
	Listener      string
	Syncing       bool
	Processed     int
	Total         int
	LastSync      time.Time
	OutboxPending int
	OutboxFailed  int
}

// StatusPanel displays daemon status in the header.
type StatusPanel struct {
	*tview.TextView
	theme *Theme
}

// NewStatusPanel creates a new status panel.
func NewStatusPanel(theme *Theme) *StatusPanel {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 1)

	return &StatusPanel{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the status.
func (sp *StatusPanel) Update(data *StatusData) {
	sp.Clear()
	if data == nil {
		return
	}

	fg := colorName(sp.theme.FgColor)
	ct := colorName(sp.theme.CounterColor)

	listener := data.Listener
	if listener == "" {
		listener = "-"
	}
	sync := "idle"
	if data.Syncing {
		sync = fmt.Sprintf("%d/%d", data.Processed, data.Total)
	}
	last := "-"
	if !data.LastSync.IsZero() {
		last = formatAgo(time.Since(data.LastSync))
	}

	_, _ = fmt.Fprintf(sp,
		"[%s::b]Account:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]Listener:[-:-:-] [%s]%s[-]\n"+
			"[%s::b]Sync:[-:-:-]     [%s]%s[-]\n"+
			"[%s::b]Last sync:[-:-:-] [%s]%s[-]\n"+
			"[%s::b]Outbox:[-:-:-]   [%s]%d pending, %d failed[-]",
		fg, ct, data.Account,
		fg, ct, listener,
		fg, ct, sync,
		fg, ct, last,
		fg, ct, data.OutboxPending, data.OutboxFailed,
	)
}

func formatAgo(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm ago", h, m)
	}
	return fmt.Sprintf("%dm ago", m)
}
