// Package keys maps key events to actions per page.
package keys

import "github.com/gdamore/tcell/v2"

// Action is one key binding.
type Action struct {
	Key     tcell.Key
	Rune    rune
	Handler func()
}

// Matches reports whether ev triggers the action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

type binding struct {
	name   string
	action *Action
}

// Registry holds global and per-page bindings. Page bindings win over
// global ones; within a scope the first registered match wins.
type Registry struct {
	global []binding
	pages  map[string][]binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pages: make(map[string][]binding)}
}

// AddGlobal registers a binding active on every page. Registering a name
// twice replaces the earlier action.
func (r *Registry) AddGlobal(name string, action *Action) {
	r.global = upsert(r.global, name, action)
}

// AddView registers a binding active on one page.
func (r *Registry) AddView(page, name string, action *Action) {
	r.pages[page] = upsert(r.pages[page], name, action)
}

func upsert(bs []binding, name string, action *Action) []binding {
	for i := range bs {
		if bs[i].name == name {
			bs[i].action = action
			return bs
		}
	}
	return append(bs, binding{name: name, action: action})
}

// HandleEvent runs the action bound to ev on page and reports whether one
// matched.
func (r *Registry) HandleEvent(page string, ev *tcell.EventKey) bool {
	for _, scope := range [][]binding{r.pages[page], r.global} {
		for _, b := range scope {
			if b.action.Matches(ev) {
				b.action.Handler()
				return true
			}
		}
	}
	return false
}
