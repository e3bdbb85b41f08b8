package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so the part before the dot is
// the namespace.
const (
	MessageUpserted = "message.upserted"
	MessageEdited   = "message.edited"

	OutboxEnqueued = "outbox.enqueued"
	OutboxSent     = "outbox.sent"
	OutboxRetry    = "outbox.retry"
	OutboxFailed   = "outbox.failed"

	SyncStarted   = "sync.started"
	SyncProgress  = "sync.progress"
	SyncFinished  = "sync.finished"
	SyncDiscovery = "sync.discovery"

	ListenerStatusChanged = "listener.status_changed"

	ConversationClassified = "conversation.classified"
)

// MessageRef identifies a stored message in event payloads.
type MessageRef struct {
	MessageID      int64
	ConversationID int64
	ExternalID     int64
}

// OutboxRef identifies an outbox entry in event payloads.
type OutboxRef struct {
	EntryID        string
	ConversationID int64
	Attempts       int
	Error          string
}

// Classification reports a stored AI classification.
type Classification struct {
	ConversationID int64
	Status         string
	Priority       string
}
