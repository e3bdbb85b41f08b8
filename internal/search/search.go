// Package search finds messages by text. Meilisearch is used when
// configured and healthy; the database LIKE scan is the fallback.
package search

import (
	"context"
	"strings"

	"github.com/matheus3301/tgcrm/internal/store"
)

// Query is one search request.
type Query struct {
	Text           string
	ConversationID int64 // 0 searches every conversation
	Limit          int
}

// Result is one matching message.
type Result struct {
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	ExternalID     int64  `json:"externalId"`
	SenderName     string `json:"senderName,omitempty"`
	Body           string `json:"body"`
	Snippet        string `json:"snippet"`
	SentAt         int64  `json:"sentAt"`
}

// Searcher runs queries against one backend.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}

// DB searches the store directly.
type DB struct {
	db *store.DB
}

// NewDB creates the database searcher.
func NewDB(db *store.DB) *DB {
	return &DB{db: db}
}

func (d *DB) Search(ctx context.Context, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	rows, err := d.db.SearchMessages(ctx, q.Text, q.ConversationID, q.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		out = append(out, Result{
			MessageID:      r.Message.ID,
			ConversationID: r.Message.ConversationID,
			ExternalID:     r.Message.ExternalID,
			SenderName:     r.Message.SenderName,
			Body:           r.Message.Body,
			Snippet:        r.Snippet,
			SentAt:         r.Message.SentAt,
		})
	}
	return out, nil
}
