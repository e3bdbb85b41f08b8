package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `id, conversation_id, external_id, direction, sender_id, sender_name, body,
	content_type, attachment, status, sent_at, delivered_at, read_at, edited_at, created_at`

func scanMessage(s scanner) (*Message, error) {
	var m Message
	if err := s.Scan(&m.ID, &m.ConversationID, &m.ExternalID, &m.Direction, &m.SenderID, &m.SenderName,
		&m.Body, &m.ContentType, &m.Attachment, &m.Status, &m.SentAt, &m.DeliveredAt, &m.ReadAt,
		&m.EditedAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage stores m unless (conversation_id, external_id) already
// exists. The boolean reports whether a row was written; m.ID is set when
// it was.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	return insertMessage(ctx, db.conn(), m)
}

// InsertMessage is the transactional form of DB.InsertMessage.
func (tx *Tx) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	return insertMessage(ctx, tx.conn(), m)
}

func insertMessage(ctx context.Context, c conn, m *Message) (bool, error) {
	if m.Direction == "" {
		m.Direction = DirectionInbound
	}
	if m.ContentType == "" {
		m.ContentType = "text"
	}
	if m.Status == "" {
		m.Status = StatusReceived
	}
	m.CreatedAt = nowMilli()
	err := c.queryRow(ctx, `
		INSERT INTO messages (conversation_id, external_id, direction, sender_id, sender_name, body,
			content_type, attachment, status, sent_at, delivered_at, read_at, edited_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, external_id) DO NOTHING
		RETURNING id`,
		m.ConversationID, m.ExternalID, m.Direction, m.SenderID, m.SenderName, m.Body,
		m.ContentType, m.Attachment, m.Status, m.SentAt, m.DeliveredAt, m.ReadAt, m.EditedAt, m.CreatedAt).
		Scan(&m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return true, nil
}

// EditMessage applies a platform edit to an existing message. Unknown
// messages and stale edits are ignored.
func (db *DB) EditMessage(ctx context.Context, conversationID, externalID int64, body string, editedAt int64) (bool, error) {
	res, err := db.conn().exec(ctx, `
		UPDATE messages SET body = ?, edited_at = ?
		WHERE conversation_id = ? AND external_id = ? AND edited_at < ?`,
		body, editedAt, conversationID, externalID, editedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func statusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// ApplyReceipt advances outbound messages up to and including
// upToExternalID to status. Statuses never move backward.
func (db *DB) ApplyReceipt(ctx context.Context, conversationID, upToExternalID int64, status string, at int64) (int64, error) {
	rank := statusRank(status)
	if rank < 2 {
		return 0, fmt.Errorf("receipt status %q: not a receipt", status)
	}
	res, err := db.conn().exec(ctx, `
		UPDATE messages SET
			status = ?,
			delivered_at = CASE WHEN delivered_at = 0 THEN ? ELSE delivered_at END,
			read_at = CASE WHEN ? = 3 THEN ? ELSE read_at END
		WHERE conversation_id = ? AND direction = 'outbound' AND external_id <= ?
			AND (CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END) < ?`,
		status, at, rank, at, conversationID, upToExternalID, rank)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetMessage returns a message by row id.
func (db *DB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(db.conn().queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// GetMessageByExternalID returns a message by its platform id.
func (db *DB) GetMessageByExternalID(ctx context.Context, conversationID, externalID int64) (*Message, error) {
	m, err := scanMessage(db.conn().queryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND external_id = ?`,
		conversationID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// MessageCursor positions a page of messages. A zero cursor starts at the
// newest message.
type MessageCursor struct {
	BeforeSentAt int64
	BeforeID     int64
}

// ListMessages returns a conversation's messages newest first using keyset
// pagination on (sent_at, id).
func (db *DB) ListMessages(ctx context.Context, conversationID int64, cur MessageCursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if cur.BeforeSentAt > 0 {
		if cur.BeforeID > 0 {
			query += ` AND (sent_at < ? OR (sent_at = ? AND id < ?))`
			args = append(args, cur.BeforeSentAt, cur.BeforeSentAt, cur.BeforeID)
		} else {
			query += ` AND sent_at < ?`
			args = append(args, cur.BeforeSentAt)
		}
	}
	query += ` ORDER BY sent_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn().query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CountMessages returns how many messages a conversation holds.
func (db *DB) CountMessages(ctx context.Context, conversationID int64) (int, error) {
	var n int
	err := db.conn().queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
