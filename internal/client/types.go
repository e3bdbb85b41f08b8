package client

import (
	"encoding/json"
	"time"
)

// Progress counts a sync run's work.
type Progress struct {
	Processed      int `json:"processed"`
	Skipped        int `json:"skipped"`
	Total          int `json:"total"`
	MessagesSynced int `json:"messagesSynced"`
}

// RunError is one conversation that failed during a run.
type RunError struct {
	ConversationID int64  `json:"conversationId"`
	Error          string `json:"error"`
}

// SyncStatus is the state of one sync kind.
type SyncStatus struct {
	IsRunning       bool       `json:"isRunning"`
	RunID           int64      `json:"runId,omitempty"`
	WorkerID        string     `json:"workerId,omitempty"`
	ConversationID  int64      `json:"conversationId,omitempty"`
	StartedAt       *time.Time `json:"startedAt"`
	Progress        Progress   `json:"progress"`
	LastCompletedAt *time.Time `json:"lastCompletedAt"`
	LastStatus      string     `json:"lastStatus,omitempty"`
	LastDuration    int64      `json:"lastDuration"` // ms
	Errors          []RunError `json:"errors"`
}

// ListenerStatus is the live listener's state.
type ListenerStatus struct {
	IsRunning   bool       `json:"isRunning"`
	State       string     `json:"state,omitempty"`
	WorkerID    string     `json:"workerId,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeatAt"`
	CatchUp     *CatchUp   `json:"catchUp,omitempty"`
}

// CatchUp is the listener's latest reconnect backfill.
type CatchUp struct {
	IsRunning bool     `json:"isRunning"`
	RunID     int64    `json:"runId"`
	Status    string   `json:"status"`
	Progress  Progress `json:"progress"`
}

// OutboxStatus counts outbox entries by status.
type OutboxStatus struct {
	Pending int `json:"pending"`
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Status is the /sync/status snapshot.
type Status struct {
	GlobalSync         SyncStatus     `json:"globalSync"`
	SingleSync         SyncStatus     `json:"singleSync"`
	Listener           ListenerStatus `json:"listener"`
	Outbox             OutboxStatus   `json:"outbox"`
	CanStartGlobalSync bool           `json:"canStartGlobalSync"`
	CanStartSingleSync bool           `json:"canStartSingleSync"`
}

// Run is a started sync run.
type Run struct {
	ID             int64      `json:"id"`
	Kind           string     `json:"kind"`
	ConversationID int64      `json:"conversationId,omitempty"`
	Status         string     `json:"status"`
	WorkerID       string     `json:"workerId"`
	StartedAt      *time.Time `json:"startedAt"`
}

// Conversation is a mirrored chat.
type Conversation struct {
	ID                  int64           `json:"id"`
	ExternalID          string          `json:"externalId"`
	Title               string          `json:"title"`
	Type                string          `json:"type"`
	LastMessageAt       *time.Time      `json:"lastMessageAt"`
	LastSyncedAt        *time.Time      `json:"lastSyncedAt"`
	LastSyncedMessageID int64           `json:"lastSyncedMessageId"`
	SyncDisabled        bool            `json:"syncDisabled"`
	Metadata            json.RawMessage `json:"metadata"`
}

// Notes returns the operator notes stored in the metadata.
func (c *Conversation) Notes() string {
	var m struct {
		Notes string `json:"notes"`
	}
	_ = json.Unmarshal(c.Metadata, &m)
	return m.Notes
}

// Classification returns the stored AI classification, if any.
func (c *Conversation) Classification() *Classification {
	var m struct {
		AI *Classification `json:"ai"`
	}
	if err := json.Unmarshal(c.Metadata, &m); err != nil {
		return nil
	}
	return m.AI
}

// Classification is the classifier's verdict on a conversation.
type Classification struct {
	Status       string   `json:"status"`
	Summary      string   `json:"summary"`
	Priority     string   `json:"priority"`
	Tags         []string `json:"tags,omitempty"`
	Confidence   float64  `json:"confidence"`
	ClassifiedAt int64    `json:"classifiedAt"`
}

// Reaction is one emoji on a message.
type Reaction struct {
	SenderID string `json:"senderId"`
	Emoji    string `json:"emoji"`
}

// Message is a stored message.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversationId"`
	ExternalID     int64           `json:"externalId"`
	Direction      string          `json:"direction"`
	SenderID       string          `json:"senderId"`
	SenderName     string          `json:"senderName"`
	Body           string          `json:"body"`
	ContentType    string          `json:"contentType"`
	Attachment     json.RawMessage `json:"attachment,omitempty"`
	Status         string          `json:"status"`
	SentAt         *time.Time      `json:"sentAt"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time      `json:"readAt,omitempty"`
	EditedAt       *time.Time      `json:"editedAt,omitempty"`
	Reactions      []Reaction      `json:"reactions"`
}

// ItemID implements Confirmable.
func (m Message) ItemID() int64 { return m.ID }

// Match implements Confirmable.
func (m Message) Match() MatchKey {
	k := MatchKey{
		ConversationID: m.ConversationID,
		ExternalID:     m.ExternalID,
		Body:           m.Body,
		Outbound:       m.Direction == "outbound",
	}
	if m.SentAt != nil {
		k.SentAt = *m.SentAt
	}
	return k
}

// Page is one page of messages, newest first.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// Attachment is a file sent with a message. Data is base64 on the wire.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data"`
}

// SendRequest is an outbound message.
type SendRequest struct {
	Text       string      `json:"text,omitempty"`
	ReplyTo    int64       `json:"replyTo,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Accepted is the reply to an enqueue: the outbox entry id and status.
type Accepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Entry is an outbox entry.
type Entry struct {
	ID                string     `json:"id"`
	ConversationID    int64      `json:"conversationId"`
	Kind              string     `json:"kind"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	NextAttemptAt     *time.Time `json:"nextAttemptAt,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	ExternalMessageID int64      `json:"externalMessageId,omitempty"`
	CreatedAt         *time.Time `json:"createdAt"`
}

// SearchResult is one search hit.
type SearchResult struct {
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	ExternalID     int64  `json:"externalId"`
	SenderName     string `json:"senderName,omitempty"`
	Body           string `json:"body"`
	Snippet        string `json:"snippet"`
	SentAt         int64  `json:"sentAt"` // unix ms
}

// ConversationPatch changes conversation settings. Nil fields are left
// alone; an empty Notes clears them.
type ConversationPatch struct {
	Notes        *string `json:"notes,omitempty"`
	SyncDisabled *bool   `json:"syncDisabled,omitempty"`
}

// Health is the /health report.
type Health struct {
	Status        string  `json:"status"`
	Database      string  `json:"database"`
	Dialect       string  `json:"dialect"`
	SearchBackend string  `json:"searchBackend"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	RAMPercent    float64 `json:"ramPercent"`
	DiskPercent   float64 `json:"diskPercent"`
	DiskWarning   string  `json:"diskWarning"`
}
