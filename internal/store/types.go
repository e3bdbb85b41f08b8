package store

// Conversation is a mirrored chat.
type Conversation struct {
	ID                  int64
	ExternalID          string
	Title               string
	Type                string
	LastMessageAt       int64
	LastSyncedAt        int64
	LastSyncedMessageID int64
	SyncDisabled        bool
	Metadata            string // JSON object
	CreatedAt           int64
	UpdatedAt           int64
}

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message statuses. Inbound messages are stored as received; outbound ones
// move forward through sent, delivered, read.
const (
	StatusReceived  = "received"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message represents a synced message.
type Message struct {
	ID             int64
	ConversationID int64
	ExternalID     int64
	Direction      string
	SenderID       string
	SenderName     string
	Body           string
	ContentType    string
	Attachment     string // JSON, empty when none
	Status         string
	SentAt         int64
	DeliveredAt    int64
	ReadAt         int64
	EditedAt       int64
	CreatedAt      int64
}

// Reaction is one emoji placed on a message by one sender.
type Reaction struct {
	ID        int64
	MessageID int64
	SenderID  string
	Emoji     string
	CreatedAt int64
}

// Outbox entry kinds and statuses.
const (
	KindMessage  = "message"
	KindReaction = "reaction"

	OutboxPending = "pending"
	OutboxClaimed = "claimed"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is a durable outbound operation awaiting delivery.
type OutboxEntry struct {
	ID                int64
	EntryID           string
	ConversationID    int64
	Kind              string
	Payload           string // JSON
	Status            string
	ClaimOwner        string
	ClaimedAt         int64
	Attempts          int
	NextAttemptAt     int64
	LastError         string
	ExternalMessageID int64
	CreatedAt         int64
	UpdatedAt         int64
}

// OutboxCounts tallies outbox entries by status.
type OutboxCounts struct {
	Pending int
	Claimed int
	Sent    int
	Failed  int
}

// SyncLock is the row backing a distributed lock.
type SyncLock struct {
	LockType    string
	WorkerID    string
	AcquiredAt  int64
	HeartbeatAt int64
	ExpiresAt   int64
}

// Sync run kinds and statuses.
const (
	RunGlobal    = "global"
	RunSingle    = "single"
	RunReconnect = "reconnect" // listener backfill after (re)connecting

	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// SyncRun is the persisted progress of one catch-up run.
type SyncRun struct {
	ID              int64
	Kind            string
	ConversationID  int64 // 0 for global runs
	WorkerID        string
	Status          string
	StartedAt       int64
	FinishedAt      int64
	Processed       int
	Skipped         int
	Total           int
	MessagesSynced  int
	Errors          string // JSON array
	CancelRequested bool
	UpdatedAt       int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
