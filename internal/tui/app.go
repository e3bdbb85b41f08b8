// Package tui is the terminal client for the daemon.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/tgcrm/internal/client"
	"github.com/matheus3301/tgcrm/internal/tui/keys"
	"github.com/matheus3301/tgcrm/internal/tui/model"
	"github.com/matheus3301/tgcrm/internal/tui/ui"
	"github.com/matheus3301/tgcrm/internal/tui/views"
	"github.com/rivo/tview"
)

const (
	pageConversations = "conversations"
	pageThread        = "thread"
	pageDetails       = "details"
	pageSearch        = "search"
	pageHelp          = "help"
)

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	theme    *ui.Theme
	root     *tview.Flex
	pages    *ui.Pages
	crumbs   *ui.Crumbs
	menu     *ui.Menu
	status   *ui.StatusPanel
	flash    *ui.FlashModel
	flashBar *ui.FlashBar
	prompt   *ui.Prompt
	registry *keys.Registry
	vm       *model.ViewModel
	account  string

	convList *views.ConversationList
	thread   *views.MessageThread
	details  *views.ConversationInfo
	search   *views.SearchView
	help     *views.HelpView
	comps    map[string]ui.Component

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *client.Client, account string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:      tview.NewApplication(),
		theme:    theme,
		pages:    ui.NewPages(),
		crumbs:   ui.NewCrumbs(theme),
		menu:     ui.NewMenu(theme),
		status:   ui.NewStatusPanel(theme),
		flash:    ui.NewFlashModel(),
		flashBar: ui.NewFlashBar(theme),
		prompt:   ui.NewPrompt(theme),
		registry: keys.NewRegistry(),
		vm:       model.NewViewModel(c),
		account:  account,
		convList: views.NewConversationList(theme),
		thread:   views.NewMessageThread(theme),
		details:  views.NewConversationInfo(theme),
		search:   views.NewSearchView(theme),
		help:     views.NewHelpView(theme),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.comps = map[string]ui.Component{
		pageConversations: a.convList,
		pageThread:        a.thread,
		pageDetails:       a.details,
		pageSearch:        a.search,
		pageHelp:          a.help,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal("quit", &keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Handler: a.Stop,
	})
	a.registry.AddGlobal("help", &keys.Action{
		Rune: '?', Key: tcell.KeyRune,
		Handler: func() { a.push(pageHelp) },
	})
	a.registry.AddGlobal("command", &keys.Action{
		Rune: ':', Key: tcell.KeyRune,
		Handler: func() { a.showPrompt(ui.PromptCommand) },
	})

	a.registry.AddView(pageConversations, "filter", &keys.Action{
		Rune: '/', Key: tcell.KeyRune,
		Handler: func() { a.showPrompt(ui.PromptFilter) },
	})
	a.registry.AddView(pageConversations, "sync-all", &keys.Action{
		Rune: 'g', Key: tcell.KeyRune,
		Handler: func() { a.runCommand(Command{Name: "sync", Args: "all"}) },
	})
	a.registry.AddView(pageConversations, "sync-one", &keys.Action{
		Rune: 'r', Key: tcell.KeyRune,
		Handler: func() {
			if c := a.convList.Selected(); c != nil {
				a.syncConversation(c.ID)
			}
		},
	})
	a.registry.AddView(pageConversations, "clear", &keys.Action{
		Rune: '0', Key: tcell.KeyRune,
		Handler: a.convList.ClearFilter,
	})
	for n := '1'; n <= '9'; n++ {
		idx := int(n - '0')
		a.registry.AddView(pageConversations, fmt.Sprintf("jump-%d", idx), &keys.Action{
			Rune: n, Key: tcell.KeyRune,
			Handler: func() {
				if c := a.convList.ByIndex(idx); c != nil {
					a.openConversation(c.ID)
				}
			},
		})
	}

	a.registry.AddView(pageThread, "compose", &keys.Action{
		Rune: 'i', Key: tcell.KeyRune,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddView(pageThread, "older", &keys.Action{
		Rune: 'o', Key: tcell.KeyRune,
		Handler: a.loadOlder,
	})
	a.registry.AddView(pageThread, "details", &keys.Action{
		Rune: 'd', Key: tcell.KeyRune,
		Handler: func() {
			a.details.Update(a.vm.Conversation(a.thread.ConversationID()))
			a.push(pageDetails)
		},
	})
	a.registry.AddView(pageThread, "drop", &keys.Action{
		Rune: 'x', Key: tcell.KeyRune,
		Handler: func() {
			if n := a.vm.DropFailed(); n > 0 {
				a.flash.Info(fmt.Sprintf("Dropped %d failed message(s)", n))
				a.renderThread()
			}
		},
	})
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(row, _ int) {
		if c := a.convList.ByIndex(row); c != nil {
			a.openConversation(c.ID)
		}
	})

	a.thread.SetOnSend(func(text string) {
		go func() {
			err := a.vm.Send(a.ctx, text)
			a.app.QueueUpdateDraw(func() {
				if err != nil {
					a.flash.Err(fmt.Errorf("send failed: %w", err))
				}
				a.renderThread()
			})
		}()
		a.renderThread()
	})

	a.search.SetOnQuery(a.runSearch)
	a.search.Results().SetSelectedFunc(func(_, _ int) {
		if r := a.search.SelectedResult(); r != nil {
			a.openConversation(r.ConversationID)
		}
	})

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		switch mode {
		case ui.PromptFilter:
			a.convList.SetFilter(text)
		case ui.PromptCommand:
			a.runCommand(ParseCommand(text))
		}
	})
	a.prompt.SetOnCancel(a.hidePrompt)

	a.pages.SetOnChange(func(stack []string) {
		names := make([]string, len(stack))
		for i, p := range stack {
			names[i] = a.comps[p].Name()
		}
		a.crumbs.Update(names)
		if c, ok := a.comps[a.pages.Current()]; ok {
			a.menu.Update(c.Hints())
		}
	})

	poller := a.vm.Poller()
	poller.OnStatus(func(st *client.Status) {
		a.app.QueueUpdateDraw(func() { a.renderStatus(st) })
	})
	poller.OnSyncCompleted(func(c client.Completion) {
		go func() {
			err := a.vm.HandleCompletion(a.ctx, c)
			a.app.QueueUpdateDraw(func() {
				if err != nil {
					a.flash.Err(err)
				} else {
					a.flash.Info(completionText(c, a.vm.Conversation(c.ConversationID)))
				}
				a.convList.Update(a.vm.Conversations())
				a.renderThread()
			})
		}()
	})
}

func completionText(c client.Completion, conv *client.Conversation) string {
	what := "Sync of all conversations"
	if c.Kind == client.CompletionSingle {
		what = fmt.Sprintf("Sync of #%d", c.ConversationID)
		if conv != nil && conv.Title != "" {
			what = "Sync of " + conv.Title
		}
	}
	if c.LastStatus == "" {
		return what + " finished"
	}
	return what + " " + c.LastStatus
}

func (a *App) setupLayout() {
	logo := ui.NewLogo(a.theme)
	header := tview.NewFlex().
		AddItem(a.status, 0, 2, false).
		AddItem(a.menu, 0, 2, false).
		AddItem(logo, 12, 0, false)

	for name, c := range a.comps {
		a.pages.AddPage(name, c.(tview.Primitive), true, false)
	}

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 6, 0, false).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.flashBar, 1, 0, false)
	a.app.SetRoot(a.root, true)
	a.pages.Reset(pageConversations)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			if event.Key() == tcell.KeyEscape && a.app.GetFocus() == a.thread.Composer() {
				a.app.SetFocus(a.thread.Messages())
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			if a.pages.Depth() > 1 {
				a.pages.Pop()
				a.focusCurrent()
			}
			return nil
		}
		if a.registry.HandleEvent(a.pages.Current(), event) {
			return nil
		}
		return event
	})
}

func (a *App) push(page string) {
	if a.pages.Current() == page {
		return
	}
	a.pages.Push(page)
	a.focusCurrent()
}

func (a *App) focusCurrent() {
	switch a.pages.Current() {
	case pageThread:
		a.app.SetFocus(a.thread.Messages())
	case pageSearch:
		a.app.SetFocus(a.search.Input())
	case pageConversations:
		a.app.SetFocus(a.convList)
	case pageDetails:
		a.app.SetFocus(a.details)
	case pageHelp:
		a.app.SetFocus(a.help)
	}
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.root.ResizeItem(a.prompt, 0, 0)
	a.focusCurrent()
}

func (a *App) openConversation(id int64) {
	title := fmt.Sprintf("#%d", id)
	if c := a.vm.Conversation(id); c != nil && c.Title != "" {
		title = c.Title
	}
	a.thread.SetConversation(id, title)
	for a.pages.Depth() > 1 {
		a.pages.Pop()
	}
	a.push(pageThread)

	go func() {
		err := a.vm.Open(a.ctx, id)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.flash.Err(fmt.Errorf("load failed: %w", err))
			}
			a.renderThread()
		})
	}()
}

func (a *App) loadOlder() {
	go func() {
		err := a.vm.Thread().LoadOlder(a.ctx)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.flash.Err(err)
			}
			a.renderThread()
			a.thread.Messages().ScrollToBeginning()
		})
	}()
}

func (a *App) renderThread() {
	t := a.vm.Thread()
	if t.ID() != a.thread.ConversationID() {
		return
	}
	a.thread.Update(t.Items(), t.HasMore())
}

func (a *App) renderStatus(st *client.Status) {
	data := &ui.StatusData{
		Account:       a.account,
		Listener:      st.Listener.State,
		Syncing:       st.GlobalSync.IsRunning,
		Processed:     st.GlobalSync.Progress.Processed,
		Total:         st.GlobalSync.Progress.Total,
		OutboxPending: st.Outbox.Pending + st.Outbox.Claimed,
		OutboxFailed:  st.Outbox.Failed,
	}
	if cu := st.Listener.CatchUp; cu != nil && cu.IsRunning && !data.Syncing {
		data.Syncing = true
		data.Processed = cu.Progress.Processed
		data.Total = cu.Progress.Total
	}
	if st.GlobalSync.LastCompletedAt != nil {
		data.LastSync = *st.GlobalSync.LastCompletedAt
	}
	a.status.Update(data)
	a.flashBar.Update(a.flash.GetMessage())
}

func (a *App) runSearch(query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		return
	}
	go func() {
		results, backend, err := a.vm.Search(a.ctx, query)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.flash.Err(fmt.Errorf("search failed: %w", err))
				return
			}
			a.search.Update(results, backend, a.vm.Titles())
			a.app.SetFocus(a.search.Results())
		})
	}()
}

func (a *App) syncConversation(id int64) {
	a.background(func(ctx context.Context) (string, error) {
		return "Sync started", a.vm.SyncConversation(ctx, id)
	})
}

// background runs fn off the UI goroutine and flashes its outcome.
func (a *App) background(fn func(ctx context.Context) (string, error)) {
	go func() {
		msg, err := fn(a.ctx)
		a.app.QueueUpdateDraw(func() {
			switch {
			case errors.Is(err, client.ErrConflict):
				a.flash.Warn("A sync is already running")
			case err != nil:
				a.flash.Err(err)
			case msg != "":
				a.flash.Info(msg)
			}
			a.convList.Update(a.vm.Conversations())
			if a.pages.Current() == pageDetails {
				a.details.Update(a.vm.Conversation(a.thread.ConversationID()))
			}
		})
	}()
}

func (a *App) runCommand(cmd Command) {
	open := a.thread.ConversationID()
	if a.pages.Current() == pageConversations {
		if c := a.convList.Selected(); c != nil {
			open = c.ID
		}
	}
	needsConversation := func() bool {
		if open == 0 {
			a.flash.Warn("No conversation selected")
			return false
		}
		return true
	}

	switch cmd.Name {
	case "quit":
		a.Stop()
	case "help":
		a.push(pageHelp)
	case "search":
		a.push(pageSearch)
		if cmd.Args != "" {
			a.search.SetQuery(cmd.Args)
			a.runSearch(cmd.Args)
		}
	case "sync":
		switch cmd.Args {
		case "all":
			a.background(func(ctx context.Context) (string, error) {
				return "Sync of all conversations started", a.vm.StartGlobalSync(ctx)
			})
		case "stop":
			a.background(func(ctx context.Context) (string, error) {
				if err := a.vm.CancelGlobalSync(ctx); errors.Is(err, client.ErrNotFound) {
					return "", errors.New("no sync is running")
				} else if err != nil {
					return "", err
				}
				return "Stopping sync", nil
			})
		default:
			if needsConversation() {
				a.syncConversation(open)
			}
		}
	case "notes":
		if needsConversation() {
			a.background(func(ctx context.Context) (string, error) {
				_, err := a.vm.SetNotes(ctx, open, cmd.Args)
				return "Notes saved", err
			})
		}
	case "mute", "unmute":
		if needsConversation() {
			disabled := cmd.Name == "mute"
			a.background(func(ctx context.Context) (string, error) {
				_, err := a.vm.SetSyncDisabled(ctx, open, disabled)
				if disabled {
					return "Sync disabled", err
				}
				return "Sync enabled", err
			})
		}
	case "classify":
		if needsConversation() {
			a.background(func(ctx context.Context) (string, error) {
				cls, err := a.vm.Classify(ctx, open)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Classified: %s (%s priority)", cls.Status, cls.Priority), nil
			})
		}
	default:
		a.flash.Warn("Unknown command: " + cmd.Name)
	}
}

// Run starts the TUI and blocks until it exits.
func (a *App) Run() error {
	go func() {
		if err := a.vm.LoadConversations(a.ctx); err != nil {
			a.flash.Err(err)
		}
		a.app.QueueUpdateDraw(func() {
			a.convList.Update(a.vm.Conversations())
			a.flashBar.Update(a.flash.GetMessage())
		})
	}()
	go a.vm.Poller().Run(a.ctx, func(err error) {
		a.app.QueueUpdateDraw(func() {
			a.flash.Err(fmt.Errorf("daemon unreachable: %w", err))
			a.flashBar.Update(a.flash.GetMessage())
		})
	})
	go a.refreshLoop()

	return a.app.Run()
}

// refreshLoop keeps the open thread and the list current between sync
// completions: live messages arrive without a run.
func (a *App) refreshLoop() {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}
		n++
		reload := n%5 == 0
		t := a.vm.Thread()
		if t.ID() != 0 {
			_ = t.TrackPending(a.ctx)
			_ = t.Refresh(a.ctx)
		}
		if reload {
			_ = a.vm.LoadConversations(a.ctx)
		}
		a.app.QueueUpdateDraw(func() {
			if reload && a.pages.Current() == pageConversations {
				a.convList.Update(a.vm.Conversations())
			}
			a.renderThread()
			a.flashBar.Update(a.flash.GetMessage())
		})
	}
}

// Stop shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
