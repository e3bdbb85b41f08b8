package store

import "context"

// AddReaction records a reaction; repeats are no-ops.
func (db *DB) AddReaction(ctx context.Context, r *Reaction) (bool, error) {
	if r.CreatedAt == 0 {
		r.CreatedAt = nowMilli()
	}
	res, err := db.conn().exec(ctx, `
		INSERT INTO reactions (message_id, sender_id, emoji, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, sender_id, emoji) DO NOTHING`,
		r.MessageID, r.SenderID, r.Emoji, r.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RemoveReaction deletes one sender's emoji from a message.
func (db *DB) RemoveReaction(ctx context.Context, messageID int64, senderID, emoji string) error {
	_, err := db.conn().exec(ctx, `DELETE FROM reactions WHERE message_id = ? AND sender_id = ? AND emoji = ?`,
		messageID, senderID, emoji)
	return err
}

// ListReactions returns a message's reactions in the order they arrived.
func (db *DB) ListReactions(ctx context.Context, messageID int64) ([]Reaction, error) {
	rows, err := db.conn().query(ctx, `
		SELECT id, message_id, sender_id, emoji, created_at
		FROM reactions WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.SenderID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
