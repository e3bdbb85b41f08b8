package search

import (
	"context"
	"errors"

	"github.com/matheus3301/tgcrm/internal/bus"
	"github.com/matheus3301/tgcrm/internal/store"
	"go.uber.org/zap"
)

// Sink receives documents to index.
type Sink interface {
	IndexMessages(ctx context.Context, docs []Document) error
}

// Indexer keeps a Sink in step with stored messages by following message
// events on the bus.
type Indexer struct {
	db     *store.DB
	sink   Sink
	bus    *bus.Bus
	logger *zap.Logger
}

// NewIndexer creates an indexer.
func NewIndexer(db *store.DB, sink Sink, b *bus.Bus, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{db: db, sink: sink, bus: b, logger: logger}
}

// Run indexes upserted and edited messages until ctx ends. Events dropped
// by a full buffer are picked up by the next Reindex.
func (ix *Indexer) Run(ctx context.Context) {
	ch, unsub := ix.bus.Subscribe("message.", 256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			ref, ok := evt.Payload.(bus.MessageRef)
			if !ok {
				continue
			}
			if err := ix.indexOne(ctx, ref.MessageID); err != nil && ctx.Err() == nil {
				ix.logger.Debug("index message failed", zap.Int64("message", ref.MessageID), zap.Error(err))
			}
		}
	}
}

func (ix *Indexer) indexOne(ctx context.Context, id int64) error {
	m, err := ix.db.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return ix.sink.IndexMessages(ctx, []Document{DocumentFrom(m)})
}

// Reindex pushes every stored message to the sink in batches and returns
// how many were sent.
func (ix *Indexer) Reindex(ctx context.Context) (int, error) {
	const convPage, msgPage = 100, 500
	total := 0
	for offset := 0; ; offset += convPage {
		convs, err := ix.db.ListConversations(ctx, convPage, offset)
		if err != nil {
			return total, err
		}
		for _, c := range convs {
			var cur store.MessageCursor
			for {
				msgs, err := ix.db.ListMessages(ctx, c.ID, cur, msgPage)
				if err != nil {
					return total, err
				}
				if len(msgs) == 0 {
					break
				}
				docs := make([]Document, len(msgs))
				for i := range msgs {
					docs[i] = DocumentFrom(&msgs[i])
				}
				if err := ix.sink.IndexMessages(ctx, docs); err != nil {
					return total, err
				}
				total += len(docs)
				last := msgs[len(msgs)-1]
				if len(msgs) < msgPage || last.SentAt == 0 {
					break
				}
				cur = store.MessageCursor{BeforeSentAt: last.SentAt, BeforeID: last.ID}
			}
		}
		if len(convs) < convPage {
			break
		}
	}
	ix.logger.Info("search reindex complete", zap.Int("messages", total))
	return total, nil
}
