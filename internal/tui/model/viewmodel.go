// Package model holds the TUI's state, fetched from the daemon's HTTP API.
package model

import (
	"context"
	"sync"

	"github.com/matheus3301/tgcrm/internal/client"
)

// ViewModel caches daemon state for the views.
type ViewModel struct {
	mu sync.RWMutex

	api    *client.Client
	poller *client.Poller
	thread *client.ConversationView
	convs  []client.Conversation
}

// NewViewModel creates a view model over api.
func NewViewModel(api *client.Client) *ViewModel {
	return &ViewModel{
		api:    api,
		poller: client.NewPoller(api, client.PollerOptions{}),
		thread: client.NewConversationView(api, client.NewMessageCache(0), 50),
	}
}

// Poller returns the status poller.
func (vm *ViewModel) Poller() *client.Poller { return vm.poller }

// Thread returns the open conversation's view.
func (vm *ViewModel) Thread() *client.ConversationView { return vm.thread }

// LoadConversations fetches the conversation list.
func (vm *ViewModel) LoadConversations(ctx context.Context) error {
	convs, _, err := vm.api.Conversations(ctx, 500, 0)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.convs = convs
	vm.mu.Unlock()
	return nil
}

// Conversations returns a snapshot of the list.
func (vm *ViewModel) Conversations() []client.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.convs
}

// Conversation returns a listed conversation by id.
func (vm *ViewModel) Conversation(id int64) *client.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for i := range vm.convs {
		if vm.convs[i].ID == id {
			c := vm.convs[i]
			return &c
		}
	}
	return nil
}

// Titles maps conversation ids to titles.
func (vm *ViewModel) Titles() map[int64]string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make(map[int64]string, len(vm.convs))
	for _, c := range vm.convs {
		out[c.ID] = c.Title
	}
	return out
}

func (vm *ViewModel) replace(c *client.Conversation) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for i := range vm.convs {
		if vm.convs[i].ID == c.ID {
			vm.convs[i] = *c
			return
		}
	}
}

// Open switches the thread to a conversation.
func (vm *ViewModel) Open(ctx context.Context, id int64) error {
	return vm.thread.Open(ctx, id)
}

// Send queues text on the open conversation.
func (vm *ViewModel) Send(ctx context.Context, text string) error {
	_, err := vm.thread.Send(ctx, text)
	if err != nil {
		return err
	}
	vm.poller.Kick()
	return nil
}

// DropFailed discards the open conversation's failed sends.
func (vm *ViewModel) DropFailed() int {
	n := 0
	for _, p := range vm.thread.Items() {
		if p.Pending != nil && p.Pending.Failed {
			vm.thread.Discard(p.Pending.TempID)
			n++
		}
	}
	return n
}

// Search runs a search across all conversations.
func (vm *ViewModel) Search(ctx context.Context, query string) ([]client.SearchResult, string, error) {
	return vm.api.Search(ctx, query, 0, 50)
}

// StartGlobalSync starts a sync of every conversation.
func (vm *ViewModel) StartGlobalSync(ctx context.Context) error {
	if _, err := vm.api.StartGlobalSync(ctx); err != nil {
		return err
	}
	vm.poller.Kick()
	return nil
}

// CancelGlobalSync stops the running global sync.
func (vm *ViewModel) CancelGlobalSync(ctx context.Context) error {
	if err := vm.api.CancelGlobalSync(ctx); err != nil {
		return err
	}
	vm.poller.Kick()
	return nil
}

// SyncConversation starts a sync of one conversation.
func (vm *ViewModel) SyncConversation(ctx context.Context, id int64) error {
	if _, err := vm.api.StartConversationSync(ctx, id); err != nil {
		return err
	}
	vm.poller.Kick()
	return nil
}

// SetNotes replaces a conversation's notes; empty clears them.
func (vm *ViewModel) SetNotes(ctx context.Context, id int64, notes string) (*client.Conversation, error) {
	c, err := vm.api.UpdateConversation(ctx, id, client.ConversationPatch{Notes: &notes})
	if err != nil {
		return nil, err
	}
	vm.replace(c)
	return c, nil
}

// SetSyncDisabled mutes or unmutes a conversation.
func (vm *ViewModel) SetSyncDisabled(ctx context.Context, id int64, disabled bool) (*client.Conversation, error) {
	c, err := vm.api.UpdateConversation(ctx, id, client.ConversationPatch{SyncDisabled: &disabled})
	if err != nil {
		return nil, err
	}
	vm.replace(c)
	return c, nil
}

// Classify runs the classifier and refreshes the stored conversation.
func (vm *ViewModel) Classify(ctx context.Context, id int64) (*client.Classification, error) {
	cls, err := vm.api.Classify(ctx, id)
	if err != nil {
		return nil, err
	}
	if c, err := vm.api.Conversation(ctx, id); err == nil {
		vm.replace(c)
	}
	return cls, nil
}

// HandleCompletion reacts to a finished sync: the list is reloaded and the
// thread refreshed when the sync covered it.
func (vm *ViewModel) HandleCompletion(ctx context.Context, c client.Completion) error {
	if err := vm.LoadConversations(ctx); err != nil {
		return err
	}
	return vm.thread.HandleCompletion(ctx, c)
}
