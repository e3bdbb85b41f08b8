package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const outboxColumns = `id, entry_id, conversation_id, kind, payload, status, claim_owner, claimed_at,
	attempts, next_attempt_at, last_error, external_message_id, created_at, updated_at`

func scanOutbox(s scanner) (*OutboxEntry, error) {
	var e OutboxEntry
	if err := s.Scan(&e.ID, &e.EntryID, &e.ConversationID, &e.Kind, &e.Payload, &e.Status, &e.ClaimOwner,
		&e.ClaimedAt, &e.Attempts, &e.NextAttemptAt, &e.LastError, &e.ExternalMessageID,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// QueueOutbox adds a pending entry to the outbox.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) error {
	now := nowMilli()
	e.Status = OutboxPending
	e.CreatedAt, e.UpdatedAt = now, now
	if e.NextAttemptAt == 0 {
		e.NextAttemptAt = now
	}
	err := db.conn().queryRow(ctx, `
		INSERT INTO outbox (entry_id, conversation_id, kind, payload, status, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)
		RETURNING id`,
		e.EntryID, e.ConversationID, e.Kind, e.Payload, e.NextAttemptAt, now, now).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("queue outbox: %w", err)
	}
	return nil
}

// ClaimOutbox atomically moves up to batch eligible entries to claimed and
// returns them oldest first. An entry is eligible when it heads its
// conversation's non-terminal queue and is either pending and due, or
// claimed longer ago than claimTimeout. Each claim counts as one attempt.
func (db *DB) ClaimOutbox(ctx context.Context, workerID string, batch int, claimTimeout time.Duration, now time.Time) ([]OutboxEntry, error) {
	if batch <= 0 {
		batch = 10
	}
	nowMs := now.UnixMilli()
	staleBefore := now.Add(-claimTimeout).UnixMilli()

	rows, err := db.conn().query(ctx, `
		UPDATE outbox
		SET status = 'claimed', claim_owner = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id IN (
			SELECT o.id FROM outbox o
			WHERE ((o.status = 'pending' AND o.next_attempt_at <= ?) OR (o.status = 'claimed' AND o.claimed_at < ?))
				AND o.id = (
					SELECT MIN(h.id) FROM outbox h
					WHERE h.conversation_id = o.conversation_id AND h.status IN ('pending', 'claimed')
				)
			ORDER BY o.id ASC
			LIMIT ?
		)
		AND ((status = 'pending' AND next_attempt_at <= ?) OR (status = 'claimed' AND claimed_at < ?))
		RETURNING `+outboxColumns,
		workerID, nowMs, nowMs, nowMs, staleBefore, batch, nowMs, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// MarkOutboxSent finalizes a claimed entry. It only succeeds while the
// caller still owns the claim.
func (db *DB) MarkOutboxSent(ctx context.Context, id int64, owner string, externalMessageID int64) (bool, error) {
	return markOutboxSent(ctx, db.conn(), id, owner, externalMessageID)
}

// MarkOutboxSent is the transactional form of DB.MarkOutboxSent.
func (tx *Tx) MarkOutboxSent(ctx context.Context, id int64, owner string, externalMessageID int64) (bool, error) {
	return markOutboxSent(ctx, tx.conn(), id, owner, externalMessageID)
}

func markOutboxSent(ctx context.Context, c conn, id int64, owner string, externalMessageID int64) (bool, error) {
	res, err := c.exec(ctx, `
		UPDATE outbox SET status = 'sent', external_message_id = ?, last_error = '', updated_at = ?
		WHERE id = ? AND claim_owner = ? AND status = 'claimed'`,
		externalMessageID, nowMilli(), id, owner)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RescheduleOutbox returns a claimed entry to pending, due at nextAttemptAt.
func (db *DB) RescheduleOutbox(ctx context.Context, id int64, owner string, nextAttemptAt time.Time, lastErr string) (bool, error) {
	res, err := db.conn().exec(ctx, `
		UPDATE outbox SET status = 'pending', claim_owner = '', claimed_at = 0,
			next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND claim_owner = ? AND status = 'claimed'`,
		nextAttemptAt.UnixMilli(), lastErr, nowMilli(), id, owner)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkOutboxFailed moves a claimed entry to the terminal failed state.
func (db *DB) MarkOutboxFailed(ctx context.Context, id int64, owner, lastErr string) (bool, error) {
	res, err := db.conn().exec(ctx, `
		UPDATE outbox SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND claim_owner = ? AND status = 'claimed'`,
		lastErr, nowMilli(), id, owner)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RetryOutbox resets a failed entry to pending with a fresh attempt budget.
func (db *DB) RetryOutbox(ctx context.Context, entryID string) error {
	now := nowMilli()
	res, err := db.conn().exec(ctx, `
		UPDATE outbox SET status = 'pending', attempts = 0, claim_owner = '', claimed_at = 0,
			next_attempt_at = ?, updated_at = ?
		WHERE entry_id = ? AND status = 'failed'`,
		now, now, entryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOutboxEntry returns an entry by its public id.
func (db *DB) GetOutboxEntry(ctx context.Context, entryID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.conn().queryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE entry_id = ?`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// CountOutbox tallies entries by status.
func (db *DB) CountOutbox(ctx context.Context) (OutboxCounts, error) {
	var c OutboxCounts
	rows, err := db.conn().query(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return c, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch status {
		case OutboxPending:
			c.Pending = n
		case OutboxClaimed:
			c.Claimed = n
		case OutboxSent:
			c.Sent = n
		case OutboxFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// PurgeOutbox deletes up to limit terminal entries last updated before
// the cutoff and returns what it removed.
func (db *DB) PurgeOutbox(ctx context.Context, before time.Time, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	var purged []OutboxEntry
	err := db.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.conn().query(ctx, `
			SELECT `+outboxColumns+` FROM outbox
			WHERE status IN ('sent', 'failed') AND updated_at < ?
			ORDER BY id ASC LIMIT ?`, before.UnixMilli(), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			e, err := scanOutbox(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			purged = append(purged, *e)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(purged) == 0 {
			return nil
		}

		args := make([]any, len(purged))
		for i, e := range purged {
			args[i] = e.ID
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
		_, err = tx.conn().exec(ctx, `DELETE FROM outbox WHERE id IN (`+placeholders+`)`, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("purge outbox: %w", err)
	}
	return purged, nil
}
