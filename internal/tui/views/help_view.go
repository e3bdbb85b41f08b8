package views

import (
	"fmt"

	"github.com/matheus3301/tgcrm/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpView displays key binding reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{
		TextView: tv,
		theme:    theme,
	}
	hv.render()
	return hv
}

// Name implements Component.
func (hv *HelpView) Name() string { return "Help" }

// Hints implements Component.
func (hv *HelpView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

func (hv *HelpView) render() {
	keyColor := hv.theme.MenuKeyColor
	kc := fmt.Sprintf("#%06x", keyColor.Hex())

	help := fmt.Sprintf(`
  [::b]Global Keys[-:-:-]

  [%[1]s]:[-:-:-]      Command mode         [%[1]s]Esc[-:-:-]    Cancel / Go back
  [%[1]s]/[-:-:-]      Filter mode          [%[1]s]?[-:-:-]      Help
  [%[1]s]q[-:-:-]      Quit                 [%[1]s]Ctrl-C[-:-:-] Quit immediately

  [::b]Conversation List[-:-:-]

  [%[1]s]Enter[-:-:-]  Open conversation    [%[1]s]0[-:-:-]      Clear filter
  [%[1]s]1-9[-:-:-]    Jump to Nth          [%[1]s]g[-:-:-]      Sync all conversations
  [%[1]s]r[-:-:-]      Sync selected        [%[1]s]j/k[-:-:-]    Move down / up

  [::b]Message Thread[-:-:-]

  [%[1]s]i[-:-:-]      Focus composer       [%[1]s]d[-:-:-]      Conversation details
  [%[1]s]o[-:-:-]      Load older messages  [%[1]s]x[-:-:-]      Drop failed sends
  [%[1]s]Esc[-:-:-]    Exit composer        [%[1]s]Enter[-:-:-]  Send (in composer)

  [::b]Commands (: mode)[-:-:-]

  [%[1]s]:search <query>[-:-:-]   Search messages
  [%[1]s]:sync [all|stop][-:-:-]  Sync the open conversation, all, or stop
  [%[1]s]:notes <text>[-:-:-]     Set notes on the open conversation
  [%[1]s]:classify[-:-:-]         Classify the open conversation
  [%[1]s]:mute[-:-:-] / [%[1]s]:unmute[-:-:-]  Disable or enable its sync
  [%[1]s]:help[-:-:-] / [%[1]s]:h[-:-:-]      Show this help
  [%[1]s]:quit[-:-:-] / [%[1]s]:q[-:-:-]      Quit
`, kc)

	_, _ = fmt.Fprint(hv, help)
}
