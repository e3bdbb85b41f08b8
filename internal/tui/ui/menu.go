package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

// Menu lists the current page's key hints in two columns.
type Menu struct {
	*tview.TextView
	theme *Theme
}

// NewMenu creates a menu.
func NewMenu(theme *Theme) *Menu {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 2, 0)
	return &Menu{TextView: tv, theme: theme}
}

// Update renders hints. Five fit per column in the header.
func (m *Menu) Update(hints []MenuHint) {
	m.Clear()
	const rows = 5
	cell := func(h MenuHint) string {
		c := m.theme.MenuKeyColor
		if h.Numeric {
			c = m.theme.NumericKeyColor
		}
		return fmt.Sprintf("[%s::b]%-8s[-:-:-] %-14s", colorName(c), "<"+h.Key+">", h.Description)
	}
	for r := 0; r < rows && r < len(hints); r++ {
		line := cell(hints[r])
		if r+rows < len(hints) {
			line += cell(hints[r+rows])
		}
		_, _ = fmt.Fprintln(m, line)
	}
}
