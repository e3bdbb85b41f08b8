package classify

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/tgcrm/internal/bus"
	"github.com/matheus3301/tgcrm/internal/store"
	"go.uber.org/zap"
)

// Metadata key under which results are stored on the conversation.
const MetadataKey = "ai"

// contextMessages bounds how much history the classifier sees.
const contextMessages = 50

// Stored is a result as persisted in conversation metadata.
type Stored struct {
	Result
	ClassifiedAt int64 `json:"classifiedAt"`
}

// Service runs classification jobs against stored conversations.
type Service struct {
	db         *store.DB
	classifier Classifier
	bus        *bus.Bus
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a service. A nil classifier makes every job return
// ErrUnavailable.
func NewService(db *store.DB, c Classifier, b *bus.Bus, logger *zap.Logger) *Service {
	if b == nil {
		b = bus.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, classifier: c, bus: b, logger: logger, now: time.Now}
}

// ClassifyConversation classifies one conversation and stores the result
// in its metadata. Other metadata keys are preserved.
func (s *Service) ClassifyConversation(ctx context.Context, id int64) (*Stored, error) {
	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.classifier == nil {
		return nil, fmt.Errorf("%w: no classifier configured", ErrUnavailable)
	}
	msgs, err := s.db.ListMessages(ctx, id, store.MessageCursor{}, contextMessages)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	slices.Reverse(msgs)

	in := Input{ConversationID: id, Title: conv.Title, Type: conv.Type, Messages: make([]Message, 0, len(msgs))}
	for _, m := range msgs {
		in.Messages = append(in.Messages, Message{Direction: m.Direction, SenderName: m.SenderName, Body: m.Body, SentAt: m.SentAt})
	}

	r, err := s.classifier.Classify(ctx, in)
	if err != nil {
		return nil, err
	}
	stored := &Stored{Result: *r, ClassifiedAt: s.now().UnixMilli()}
	if _, err := s.db.PatchMetadata(ctx, id, map[string]any{MetadataKey: stored}); err != nil {
		return nil, fmt.Errorf("store classification: %w", err)
	}
	s.logger.Info("conversation classified",
		zap.Int64("conversation", id),
		zap.String("status", r.Status),
		zap.String("priority", r.Priority))
	s.bus.Emit(bus.ConversationClassified, bus.Classification{ConversationID: id, Status: r.Status, Priority: r.Priority})
	return stored, nil
}
