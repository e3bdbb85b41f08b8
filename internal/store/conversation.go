package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type scanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, external_id, title, type, last_message_at, last_synced_at,
	last_synced_message_id, sync_disabled, metadata, created_at, updated_at`

func scanConversation(s scanner) (*Conversation, error) {
	var c Conversation
	var disabled int
	if err := s.Scan(&c.ID, &c.ExternalID, &c.Title, &c.Type, &c.LastMessageAt, &c.LastSyncedAt,
		&c.LastSyncedMessageID, &disabled, &c.Metadata, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.SyncDisabled = disabled != 0
	return &c, nil
}

// EnsureConversation inserts the conversation if its external id is unknown
// and returns the row id either way. Existing rows are left untouched.
func (db *DB) EnsureConversation(ctx context.Context, c *Conversation) (int64, bool, error) {
	now := nowMilli()
	typ := c.Type
	if typ == "" {
		typ = "private"
	}
	meta := c.Metadata
	if meta == "" {
		meta = "{}"
	}
	res, err := db.conn().exec(ctx, `
		INSERT INTO conversations (external_id, title, type, last_message_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING`,
		c.ExternalID, c.Title, typ, c.LastMessageAt, meta, now, now)
	if err != nil {
		return 0, false, fmt.Errorf("insert conversation: %w", err)
	}
	n, _ := res.RowsAffected()

	var id int64
	if err := db.conn().queryRow(ctx, `SELECT id FROM conversations WHERE external_id = ?`, c.ExternalID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("lookup conversation: %w", err)
	}
	return id, n == 1, nil
}

// UpdateConversationInfo refreshes the title and type of a known conversation.
func (db *DB) UpdateConversationInfo(ctx context.Context, id int64, title, typ string) error {
	_, err := db.conn().exec(ctx, `
		UPDATE conversations SET title = ?, type = ?, updated_at = ?
		WHERE id = ? AND (title <> ? OR type <> ?)`,
		title, typ, nowMilli(), id, title, typ)
	return err
}

// GetConversation returns a single conversation by row id.
func (db *DB) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	c, err := scanConversation(db.conn().queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// GetConversationByExternalID returns a conversation by its platform id.
func (db *DB) GetConversationByExternalID(ctx context.Context, externalID string) (*Conversation, error) {
	c, err := scanConversation(db.conn().queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListConversations returns conversations sorted by last message descending.
func (db *DB) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		ORDER BY last_message_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
}

// ListSyncableConversations returns every conversation not marked
// sync-disabled, most recently active first.
func (db *DB) ListSyncableConversations(ctx context.Context) ([]Conversation, error) {
	return db.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE sync_disabled = 0
		ORDER BY last_message_at DESC, id ASC`)
}

func (db *DB) queryConversations(ctx context.Context, query string, args ...any) ([]Conversation, error) {
	rows, err := db.conn().query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ConversationIndex maps every external id to its row id.
func (db *DB) ConversationIndex(ctx context.Context) (map[string]int64, error) {
	rows, err := db.conn().query(ctx, `SELECT external_id, id FROM conversations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	idx := make(map[string]int64)
	for rows.Next() {
		var ext string
		var id int64
		if err := rows.Scan(&ext, &id); err != nil {
			return nil, err
		}
		idx[ext] = id
	}
	return idx, rows.Err()
}

// AdvanceCursor moves last_synced_message_id forward to msgID. It never
// moves the cursor backward; the boolean reports whether it moved.
func (db *DB) AdvanceCursor(ctx context.Context, id, msgID int64) (bool, error) {
	now := nowMilli()
	res, err := db.conn().exec(ctx, `
		UPDATE conversations
		SET last_synced_message_id = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ? AND last_synced_message_id < ?`,
		msgID, now, now, id, msgID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSynced records a completed catch-up pass without touching the cursor.
func (db *DB) MarkSynced(ctx context.Context, id int64) error {
	_, err := db.conn().exec(ctx, `UPDATE conversations SET last_synced_at = ? WHERE id = ?`, nowMilli(), id)
	return err
}

// SetSyncDisabled toggles whether a conversation participates in sync.
func (db *DB) SetSyncDisabled(ctx context.Context, id int64, disabled bool) error {
	res, err := db.conn().exec(ctx, `UPDATE conversations SET sync_disabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(disabled), nowMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMetadata replaces the JSON metadata document of a conversation.
func (db *DB) UpdateMetadata(ctx context.Context, id int64, metadata string) error {
	res, err := db.conn().exec(ctx, `UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`,
		metadata, nowMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PatchMetadata merges top-level keys into the metadata document and
// returns the result. A nil value removes its key.
func (db *DB) PatchMetadata(ctx context.Context, id int64, patch map[string]any) (string, error) {
	var out string
	err := db.WithTx(ctx, func(tx *Tx) error {
		q := `SELECT metadata FROM conversations WHERE id = ?`
		if tx.dialect == Postgres {
			q += ` FOR UPDATE`
		}
		var raw string
		if err := tx.conn().queryRow(ctx, q, id).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		doc := map[string]any{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc == nil {
				doc = map[string]any{}
			}
		}
		for k, v := range patch {
			if v == nil {
				delete(doc, k)
				continue
			}
			doc[k] = v
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		out = string(b)
		_, err = tx.conn().exec(ctx, `UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`, out, nowMilli(), id)
		return err
	})
	return out, err
}

// TouchLastMessage bumps last_message_at when ts is newer.
func (db *DB) TouchLastMessage(ctx context.Context, id, ts int64) error {
	return touchLastMessage(ctx, db.conn(), id, ts)
}

// TouchLastMessage bumps last_message_at when ts is newer.
func (tx *Tx) TouchLastMessage(ctx context.Context, id, ts int64) error {
	return touchLastMessage(ctx, tx.conn(), id, ts)
}

func touchLastMessage(ctx context.Context, c conn, id, ts int64) error {
	_, err := c.exec(ctx, `
		UPDATE conversations SET last_message_at = ?, updated_at = ?
		WHERE id = ? AND last_message_at < ?`,
		ts, nowMilli(), id, ts)
	return err
}
