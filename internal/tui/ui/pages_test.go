package ui

import (
	"slices"
	"testing"

	"github.com/rivo/tview"
)

func TestPagesStack(t *testing.T) {
	p := NewPages()
	for _, n := range []string{"list", "thread", "details"} {
		p.AddPage(n, tview.NewBox(), true, false)
	}
	var last []string
	p.SetOnChange(func(s []string) { last = s })

	p.Reset("list")
	p.Push("thread")
	p.Push("details")
	if !slices.Equal(last, []string{"list", "thread", "details"}) {
		t.Fatalf("stack = %v", last)
	}
	if front, _ := p.GetFrontPage(); front != "details" {
		t.Fatalf("front = %q", front)
	}

	p.Push("thread")
	if !slices.Equal(p.Stack(), []string{"list", "thread"}) {
		t.Fatalf("re-push should unwind, got %v", p.Stack())
	}

	if got := p.Pop(); got != "thread" {
		t.Fatalf("Pop = %q", got)
	}
	if got := p.Pop(); got != "" {
		t.Fatalf("root popped: %q", got)
	}
	if p.Current() != "list" || p.Depth() != 1 {
		t.Fatalf("current = %q depth = %d", p.Current(), p.Depth())
	}
}
