// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/tgcrm/internal/platform"
)

// ErrStreamEnded is returned by Subscribe after Disconnect.
var ErrStreamEnded = errors.New("platformtest: stream ended")

// Sent records a delivered message.
type Sent struct {
	ChatID     string
	Message    platform.Message
	UploadName string
	UploadBody []byte
}

// SentReaction records a delivered reaction.
type SentReaction struct {
	ChatID    string
	MessageID int64
	Emoji     string
	Remove    bool
}

// Fake is a scripted platform. The zero value is not usable; call New.
type Fake struct {
	mu         sync.Mutex
	dialogs    []platform.Dialog
	history    map[string][]platform.Message
	historyErr map[string]error
	sendErrs   []error
	sent       []Sent
	reactions  []SentReaction
	nextID     int64
	calls      map[string]int

	events     chan platform.Event
	drop       chan struct{}
	subscribed chan struct{}
}

// New returns an empty fake whose assigned message ids start at 1000.
func New() *Fake {
	return &Fake{
		history:    make(map[string][]platform.Message),
		historyErr: make(map[string]error),
		calls:      make(map[string]int),
		nextID:     1000,
		events:     make(chan platform.Event, 64),
		drop:       make(chan struct{}, 1),
		subscribed: make(chan struct{}, 16),
	}
}

// AddDialog makes a chat visible to Dialogs.
func (f *Fake) AddDialog(d platform.Dialog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialogs = append(f.dialogs, d)
}

// AddHistory appends messages to a chat's history.
func (f *Fake) AddHistory(chatID string, msgs ...platform.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.ChatID = chatID
		f.history[chatID] = append(f.history[chatID], m)
	}
	h := f.history[chatID]
	sort.Slice(h, func(i, j int) bool { return h[i].ID < h[j].ID })
}

// FailHistory makes History for chatID return err.
func (f *Fake) FailHistory(chatID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyErr[chatID] = err
}

// FailSends queues errors returned by the next send calls, in order.
func (f *Fake) FailSends(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

// Sent returns delivered messages.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Reactions returns delivered reactions.
func (f *Fake) Reactions() []SentReaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentReaction(nil), f.reactions...)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Emit queues a live event for subscribers.
func (f *Fake) Emit(evt platform.Event) {
	f.events <- evt
}

// Disconnect ends the current subscription with ErrStreamEnded.
func (f *Fake) Disconnect() {
	select {
	case f.drop <- struct{}{}:
	default:
	}
}

// WaitSubscribed blocks until Subscribe has been entered once more.
func (f *Fake) WaitSubscribed(timeout time.Duration) bool {
	select {
	case <-f.subscribed:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (f *Fake) Dialogs(_ context.Context) ([]platform.Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["dialogs"]++
	return append([]platform.Dialog(nil), f.dialogs...), nil
}

func (f *Fake) History(_ context.Context, chatID string, afterID int64, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["history"]++
	if err := f.historyErr[chatID]; err != nil {
		return nil, err
	}
	var out []platform.Message
	for _, m := range f.history[chatID] {
		if m.ID <= afterID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) SendMessage(_ context.Context, chatID string, msg platform.OutgoingMessage) (platform.Message, error) {
	var body []byte
	var name string
	if msg.Upload != nil {
		b, err := io.ReadAll(msg.Upload.Body)
		if err != nil {
			return platform.Message{}, err
		}
		body, name = b, msg.Upload.Name
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["send"]++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return platform.Message{}, err
		}
	}
	f.nextID++
	m := platform.Message{
		ChatID:    chatID,
		ID:        f.nextID,
		Text:      msg.Text,
		Date:      time.Now().Unix(),
		Outgoing:  true,
		ReplyToID: msg.ReplyToID,
	}
	f.sent = append(f.sent, Sent{ChatID: chatID, Message: m, UploadName: name, UploadBody: body})
	return m, nil
}

func (f *Fake) SendReaction(_ context.Context, chatID string, messageID int64, emoji string, remove bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["react"]++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.reactions = append(f.reactions, SentReaction{ChatID: chatID, MessageID: messageID, Emoji: emoji, Remove: remove})
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, fn func(context.Context, platform.Event) error) error {
	f.mu.Lock()
	f.calls["subscribe"]++
	f.mu.Unlock()
	select {
	case f.subscribed <- struct{}{}:
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.drop:
			return ErrStreamEnded
		case evt := <-f.events:
			if err := fn(ctx, evt); err != nil {
				return err
			}
		}
	}
}

var _ platform.Client = (*Fake)(nil)
