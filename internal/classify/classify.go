// Package classify is the boundary to the external AI classifier. Its
// output is validated against a JSON schema before anything is stored.
package classify

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no valid classification could be
// obtained: the classifier is unconfigured, unreachable, or returned
// something that does not match the schema.
var ErrUnavailable = errors.New("classify: classification unavailable")

// Statuses a conversation can be classified into.
const (
	StatusNew     = "new"
	StatusActive  = "active"
	StatusWaiting = "waiting"
	StatusClosed  = "closed"
	StatusSpam    = "spam"
)

// Message is one line of conversation context sent to the classifier.
type Message struct {
	Direction  string `json:"direction"`
	SenderName string `json:"senderName,omitempty"`
	Body       string `json:"body"`
	SentAt     int64  `json:"sentAt"`
}

// Input is what the classifier sees.
type Input struct {
	ConversationID int64     `json:"conversationId"`
	Title          string    `json:"title"`
	Type           string    `json:"type"`
	Messages       []Message `json:"messages"` // oldest first
}

// Result is a validated classification.
type Result struct {
	Status     string   `json:"status"`
	Summary    string   `json:"summary"`
	Priority   string   `json:"priority"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Classifier classifies a conversation.
type Classifier interface {
	Classify(ctx context.Context, in Input) (*Result, error)
}
