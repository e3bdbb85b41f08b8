// Package platform is the boundary to the messaging platform: the event
// stream, history, dialog enumeration, and send operations.
package platform

import (
	"context"
	"fmt"
	"io"
)

// Dialog is one chat visible to the account.
type Dialog struct {
	ChatID       string `json:"chatId"`
	Title        string `json:"title"`
	Type         string `json:"type"` // private, group, supergroup, channel
	TopMessageID int64  `json:"topMessageId"`
}

// Attachment describes media carried by a message.
type Attachment struct {
	Kind     string `json:"kind"` // photo, document, voice, video, sticker
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	FileID   string `json:"fileId,omitempty"`
}

// Message is a platform message. IDs increase monotonically within a chat.
type Message struct {
	ChatID     string      `json:"chatId"`
	ID         int64       `json:"id"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Text       string      `json:"text"`
	Date       int64       `json:"date"` // unix seconds
	EditDate   int64       `json:"editDate,omitempty"`
	Outgoing   bool        `json:"out"`
	ReplyToID  int64       `json:"replyToId,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Reaction is a reaction change on a message.
type Reaction struct {
	MessageID int64  `json:"messageId"`
	SenderID  string `json:"senderId"`
	Emoji     string `json:"emoji"`
	Removed   bool   `json:"removed,omitempty"`
}

// Receipt reports that the peer has received or read outgoing messages up
// to MaxID.
type Receipt struct {
	MaxID int64 `json:"maxId"`
	Read  bool  `json:"read"`
	Date  int64 `json:"date"`
}

// EventKind classifies live events.
type EventKind string

const (
	EventNewMessage  EventKind = "new_message"
	EventEditMessage EventKind = "edit_message"
	EventReaction    EventKind = "reaction"
	EventReceipt     EventKind = "receipt"
	EventDialog      EventKind = "dialog"
)

// Event is one item of the live stream.
type Event struct {
	Kind     EventKind `json:"type"`
	ID       string    `json:"id,omitempty"`
	ChatID   string    `json:"chatId"`
	Message  *Message  `json:"message,omitempty"`
	Reaction *Reaction `json:"reaction,omitempty"`
	Receipt  *Receipt  `json:"receipt,omitempty"`
	Dialog   *Dialog   `json:"dialog,omitempty"`
}

// Key identifies the event for dedup. Redelivery of the same platform fact
// yields the same key.
func (e Event) Key() string {
	if e.ID != "" {
		return e.ID
	}
	switch {
	case e.Message != nil:
		return fmt.Sprintf("%s:%s:%d:%d", e.Kind, e.ChatID, e.Message.ID, e.Message.EditDate)
	case e.Reaction != nil:
		return fmt.Sprintf("%s:%s:%d:%s:%s:%t", e.Kind, e.ChatID, e.Reaction.MessageID, e.Reaction.SenderID, e.Reaction.Emoji, e.Reaction.Removed)
	case e.Receipt != nil:
		return fmt.Sprintf("%s:%s:%d:%t", e.Kind, e.ChatID, e.Receipt.MaxID, e.Receipt.Read)
	}
	return ""
}

// Upload is a file sent along with a message.
type Upload struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// OutgoingMessage is what the outbox asks the platform to send.
type OutgoingMessage struct {
	Text      string
	ReplyToID int64
	Upload    *Upload
}

// Client is the platform collaborator. Implementations must be safe for
// concurrent use.
type Client interface {
	// Dialogs enumerates every chat visible to the account.
	Dialogs(ctx context.Context) ([]Dialog, error)
	// History returns up to limit messages with ID > afterID, oldest first.
	History(ctx context.Context, chatID string, afterID int64, limit int) ([]Message, error)
	// SendMessage delivers a message and returns it with its assigned ID.
	SendMessage(ctx context.Context, chatID string, msg OutgoingMessage) (Message, error)
	// SendReaction sets or clears a reaction on a message.
	SendReaction(ctx context.Context, chatID string, messageID int64, emoji string, remove bool) error
	// Subscribe streams live events into fn until ctx ends, the stream
	// breaks, or fn returns an error.
	Subscribe(ctx context.Context, fn func(context.Context, Event) error) error
}
