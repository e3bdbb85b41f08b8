// Package outbox delivers user-initiated sends and reactions to the
// platform from a durable queue, at least once, in per-conversation order.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/tgcrm/internal/bus"
	"github.com/matheus3301/tgcrm/internal/store"
)

// ErrInvalid is returned for payloads that can never be delivered.
var ErrInvalid = errors.New("outbox: invalid payload")

// Attachment references a stored blob to upload with a message.
type Attachment struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MessagePayload is the body of a message entry.
type MessagePayload struct {
	Text       string      `json:"text,omitempty"`
	ReplyToID  int64       `json:"replyToId,omitempty"` // platform message id
	Attachment *Attachment `json:"attachment,omitempty"`
}

// ReactionPayload is the body of a reaction entry.
type ReactionPayload struct {
	MessageID        int64  `json:"messageId"`        // stored message row
	TargetExternalID int64  `json:"targetExternalId"` // platform message id
	Emoji            string `json:"emoji"`
	Remove           bool   `json:"remove,omitempty"`
}

// Queue accepts outbound work. Enqueue returns as soon as the entry is
// durable; delivery happens in the Worker.
type Queue struct {
	db  *store.DB
	bus *bus.Bus
}

// NewQueue creates a queue.
func NewQueue(db *store.DB, b *bus.Bus) *Queue {
	if b == nil {
		b = bus.New()
	}
	return &Queue{db: db, bus: b}
}

// EnqueueMessage queues a text and/or attachment send.
func (q *Queue) EnqueueMessage(ctx context.Context, conversationID int64, p MessagePayload) (*store.OutboxEntry, error) {
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" && p.Attachment == nil {
		return nil, fmt.Errorf("%w: empty message", ErrInvalid)
	}
	if p.Attachment != nil && p.Attachment.Key == "" {
		return nil, fmt.Errorf("%w: attachment without key", ErrInvalid)
	}
	if _, err := q.db.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return q.enqueue(ctx, conversationID, store.KindMessage, p)
}

// EnqueueReaction queues a reaction on a stored message of the conversation.
func (q *Queue) EnqueueReaction(ctx context.Context, conversationID int64, p ReactionPayload) (*store.OutboxEntry, error) {
	p.Emoji = strings.TrimSpace(p.Emoji)
	if p.Emoji == "" {
		return nil, fmt.Errorf("%w: empty emoji", ErrInvalid)
	}
	msg, err := q.db.GetMessage(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, store.ErrNotFound
	}
	p.TargetExternalID = msg.ExternalID
	return q.enqueue(ctx, conversationID, store.KindReaction, p)
}

func (q *Queue) enqueue(ctx context.Context, conversationID int64, kind string, payload any) (*store.OutboxEntry, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	e := &store.OutboxEntry{
		EntryID:        uuid.NewString(),
		ConversationID: conversationID,
		Kind:           kind,
		Payload:        string(b),
	}
	if err := q.db.QueueOutbox(ctx, e); err != nil {
		return nil, err
	}
	q.bus.Emit(bus.OutboxEnqueued, bus.OutboxRef{EntryID: e.EntryID, ConversationID: conversationID})
	return e, nil
}

// Retry puts a failed entry back in line with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, entryID string) (*store.OutboxEntry, error) {
	if err := q.db.RetryOutbox(ctx, entryID); err != nil {
		return nil, err
	}
	e, err := q.db.GetOutboxEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	q.bus.Emit(bus.OutboxEnqueued, bus.OutboxRef{EntryID: e.EntryID, ConversationID: e.ConversationID})
	return e, nil
}

// Get returns an entry by its public id.
func (q *Queue) Get(ctx context.Context, entryID string) (*store.OutboxEntry, error) {
	return q.db.GetOutboxEntry(ctx, entryID)
}

// attachmentKey returns the blob key referenced by a message entry, if any.
func attachmentKey(e *store.OutboxEntry) string {
	if e.Kind != store.KindMessage {
		return ""
	}
	var p MessagePayload
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil || p.Attachment == nil {
		return ""
	}
	return p.Attachment.Key
}
