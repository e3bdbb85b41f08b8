// Package sync mirrors platform conversations into the store: live events,
// catch-up from history, dialog discovery, and operator-triggered runs.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/tgcrm/internal/bus"
	"github.com/matheus3301/tgcrm/internal/dedup"
	"github.com/matheus3301/tgcrm/internal/platform"
	"github.com/matheus3301/tgcrm/internal/store"
	"go.uber.org/zap"
)

// Options tunes the engine.
type Options struct {
	// PageSize is the number of history messages fetched per request.
	PageSize int
}

// Engine handles idempotent ingestion of platform data into the store.
// Live events and catch-up share the same insert-if-absent writes, so
// either path may see a message first.
type Engine struct {
	db       *store.DB
	platform platform.Client
	cache    *Cache
	seen     dedup.Filter
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int
}

// NewEngine creates a new sync engine. A nil filter disables the live
// dedup fast path.
func NewEngine(db *store.DB, pc platform.Client, seen dedup.Filter, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Engine{
		db:       db,
		platform: pc,
		cache:    NewCache(db),
		seen:     seen,
		bus:      b,
		logger:   logger,
		pageSize: opts.PageSize,
	}
}

// Cache exposes the conversation cache.
func (e *Engine) Cache() *Cache { return e.cache }

// HandleEvent applies one live event. Redelivered events are harmless.
func (e *Engine) HandleEvent(ctx context.Context, evt platform.Event) error {
	key := evt.Key()
	if key != "" && e.seen != nil {
		dup, err := e.seen.Seen(ctx, key)
		if err != nil {
			e.logger.Warn("dedup filter unavailable", zap.Error(err))
		} else if dup {
			return nil
		}
	}

	err := e.apply(ctx, evt)
	if err != nil && key != "" && e.seen != nil {
		if ferr := e.seen.Forget(ctx, key); ferr != nil {
			e.logger.Warn("dedup forget failed", zap.String("key", key), zap.Error(ferr))
		}
	}
	return err
}

func (e *Engine) apply(ctx context.Context, evt platform.Event) error {
	switch evt.Kind {
	case platform.EventNewMessage:
		if evt.Message == nil {
			return nil
		}
		return e.ingestLive(ctx, evt.ChatID, evt.Message)
	case platform.EventEditMessage:
		if evt.Message == nil {
			return nil
		}
		return e.applyEdit(ctx, evt.ChatID, evt.Message)
	case platform.EventReaction:
		if evt.Reaction == nil {
			return nil
		}
		return e.applyReaction(ctx, evt.ChatID, evt.Reaction)
	case platform.EventReceipt:
		if evt.Receipt == nil {
			return nil
		}
		return e.applyReceipt(ctx, evt.ChatID, evt.Receipt)
	case platform.EventDialog:
		if evt.Dialog == nil {
			return nil
		}
		_, err := e.upsertDialog(ctx, *evt.Dialog)
		return err
	default:
		e.logger.Debug("ignoring event", zap.String("kind", string(evt.Kind)))
		return nil
	}
}

// ingestLive inserts a live message and advances the cursor past it.
func (e *Engine) ingestLive(ctx context.Context, chatID string, pm *platform.Message) error {
	_, _, err := e.insertLive(ctx, chatID, pm)
	return err
}

func (e *Engine) insertLive(ctx context.Context, chatID string, pm *platform.Message) (Entry, bool, error) {
	entry, err := e.cache.Ensure(ctx, &store.Conversation{ExternalID: chatID, LastMessageAt: pm.Date * 1000})
	if err != nil {
		return Entry{}, false, fmt.Errorf("ensure conversation %s: %w", chatID, err)
	}
	if entry.SyncDisabled {
		return entry, false, nil
	}

	msg := toStoreMessage(entry.ID, pm)
	inserted, err := e.db.InsertMessage(ctx, msg)
	if err != nil {
		// The cached id may point at a row that no longer exists.
		e.cache.Invalidate(chatID)
		fresh, ferr := e.cache.Ensure(ctx, &store.Conversation{ExternalID: chatID, LastMessageAt: pm.Date * 1000})
		if ferr != nil || fresh.ID == entry.ID || fresh.SyncDisabled {
			return entry, false, err
		}
		entry = fresh
		msg = toStoreMessage(entry.ID, pm)
		if inserted, err = e.db.InsertMessage(ctx, msg); err != nil {
			return entry, false, err
		}
	}

	if _, err := e.db.AdvanceCursor(ctx, entry.ID, pm.ID); err != nil {
		return entry, inserted, fmt.Errorf("advance cursor: %w", err)
	}
	if err := e.db.TouchLastMessage(ctx, entry.ID, msg.SentAt); err != nil {
		return entry, inserted, fmt.Errorf("touch conversation: %w", err)
	}
	if inserted {
		e.bus.Emit(bus.MessageUpserted, bus.MessageRef{
			MessageID:      msg.ID,
			ConversationID: entry.ID,
			ExternalID:     msg.ExternalID,
		})
	}
	return entry, inserted, nil
}

// applyEdit updates an existing message, or stores it when the edit is the
// first we hear of it.
func (e *Engine) applyEdit(ctx context.Context, chatID string, pm *platform.Message) error {
	entry, inserted, err := e.insertLive(ctx, chatID, pm)
	if err != nil || inserted || entry.SyncDisabled {
		return err
	}
	editedAt := pm.EditDate * 1000
	if editedAt == 0 {
		editedAt = time.Now().UnixMilli()
	}
	changed, err := e.db.EditMessage(ctx, entry.ID, pm.ID, pm.Text, editedAt)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	if changed {
		e.bus.Emit(bus.MessageEdited, bus.MessageRef{ConversationID: entry.ID, ExternalID: pm.ID})
	}
	return nil
}

func (e *Engine) applyReaction(ctx context.Context, chatID string, r *platform.Reaction) error {
	entry, ok, err := e.cache.Lookup(ctx, chatID)
	if err != nil || !ok || entry.SyncDisabled {
		return err
	}
	msg, err := e.db.GetMessageByExternalID(ctx, entry.ID, r.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		// Catch-up will bring the message; the reaction is lost until the
		// platform resends it.
		e.logger.Debug("reaction on unknown message", zap.String("chat", chatID), zap.Int64("message", r.MessageID))
		return nil
	}
	if err != nil {
		return err
	}

	if r.Removed {
		err = e.db.RemoveReaction(ctx, msg.ID, r.SenderID, r.Emoji)
	} else {
		_, err = e.db.AddReaction(ctx, &store.Reaction{MessageID: msg.ID, SenderID: r.SenderID, Emoji: r.Emoji})
	}
	if err != nil {
		return fmt.Errorf("apply reaction: %w", err)
	}
	e.bus.Emit(bus.MessageEdited, bus.MessageRef{MessageID: msg.ID, ConversationID: entry.ID, ExternalID: msg.ExternalID})
	return nil
}

func (e *Engine) applyReceipt(ctx context.Context, chatID string, r *platform.Receipt) error {
	entry, ok, err := e.cache.Lookup(ctx, chatID)
	if err != nil || !ok || entry.SyncDisabled {
		return err
	}
	status := store.StatusDelivered
	if r.Read {
		status = store.StatusRead
	}
	at := r.Date * 1000
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	n, err := e.db.ApplyReceipt(ctx, entry.ID, r.MaxID, status, at)
	if err != nil {
		return fmt.Errorf("apply receipt: %w", err)
	}
	if n > 0 {
		e.bus.Emit(bus.MessageEdited, bus.MessageRef{ConversationID: entry.ID, ExternalID: r.MaxID})
	}
	return nil
}

// upsertDialog records a chat seen through discovery or a dialog event.
// It reports whether the conversation is new.
func (e *Engine) upsertDialog(ctx context.Context, d platform.Dialog) (bool, error) {
	id, created, err := e.db.EnsureConversation(ctx, &store.Conversation{
		ExternalID: d.ChatID,
		Title:      d.Title,
		Type:       d.Type,
	})
	if err != nil {
		return false, fmt.Errorf("ensure conversation %s: %w", d.ChatID, err)
	}
	if !created && d.Title != "" {
		typ := d.Type
		if typ == "" {
			typ = "private"
		}
		if err := e.db.UpdateConversationInfo(ctx, id, d.Title, typ); err != nil {
			return false, fmt.Errorf("update conversation %d: %w", id, err)
		}
	}
	if created {
		e.cache.Put(d.ChatID, Entry{ID: id})
	}
	return created, nil
}

// SetSyncDisabled toggles sync for a conversation and drops its cache entry.
func (e *Engine) SetSyncDisabled(ctx context.Context, conversationID int64, disabled bool) error {
	if err := e.db.SetSyncDisabled(ctx, conversationID, disabled); err != nil {
		return err
	}
	e.cache.InvalidateID(conversationID)
	return nil
}

func toStoreMessage(conversationID int64, pm *platform.Message) *store.Message {
	m := &store.Message{
		ConversationID: conversationID,
		ExternalID:     pm.ID,
		Direction:      store.DirectionInbound,
		SenderID:       pm.SenderID,
		SenderName:     pm.SenderName,
		Body:           pm.Text,
		ContentType:    "text",
		Status:         store.StatusReceived,
		SentAt:         pm.Date * 1000,
		EditedAt:       pm.EditDate * 1000,
	}
	if pm.Outgoing {
		m.Direction = store.DirectionOutbound
		m.Status = store.StatusSent
	}
	if pm.Attachment != nil {
		if b, err := json.Marshal(pm.Attachment); err == nil {
			m.Attachment = string(b)
		}
		if pm.Attachment.Kind != "" {
			m.ContentType = pm.Attachment.Kind
		}
	}
	return m
}
