package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const runColumns = `id, kind, conversation_id, worker_id, status, started_at, finished_at,
	processed, skipped, total, messages_synced, errors, cancel_requested, updated_at`

func scanRun(s scanner) (*SyncRun, error) {
	var r SyncRun
	var conv sql.NullInt64
	var cancel int
	if err := s.Scan(&r.ID, &r.Kind, &conv, &r.WorkerID, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.Processed, &r.Skipped, &r.Total, &r.MessagesSynced, &r.Errors, &cancel, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ConversationID = conv.Int64
	r.CancelRequested = cancel != 0
	return &r, nil
}

// CreateRun opens a running sync_runs row. Any earlier run of the same kind
// still marked running belonged to a worker that lost its lock and is
// closed as failed.
func (db *DB) CreateRun(ctx context.Context, r *SyncRun) error {
	now := nowMilli()
	r.Status = RunRunning
	r.StartedAt, r.UpdatedAt = now, now
	if r.Errors == "" {
		r.Errors = "[]"
	}
	var conv any
	if r.ConversationID != 0 {
		conv = r.ConversationID
	}
	return db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.conn().exec(ctx, `
			UPDATE sync_runs SET status = 'failed', finished_at = ?, updated_at = ?
			WHERE kind = ? AND status = 'running'`, now, now, r.Kind); err != nil {
			return fmt.Errorf("close abandoned runs: %w", err)
		}
		err := tx.conn().queryRow(ctx, `
			INSERT INTO sync_runs (kind, conversation_id, worker_id, status, started_at, total, errors, updated_at)
			VALUES (?, ?, ?, 'running', ?, ?, ?, ?)
			RETURNING id`,
			r.Kind, conv, r.WorkerID, now, r.Total, r.Errors, now).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// UpdateRunProgress persists counters of a running run.
func (db *DB) UpdateRunProgress(ctx context.Context, r *SyncRun) error {
	_, err := db.conn().exec(ctx, `
		UPDATE sync_runs SET processed = ?, skipped = ?, total = ?, messages_synced = ?, errors = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		r.Processed, r.Skipped, r.Total, r.MessagesSynced, r.Errors, nowMilli(), r.ID)
	return err
}

// FinishRun records the terminal status and final counters of a run.
func (db *DB) FinishRun(ctx context.Context, r *SyncRun, status string) error {
	now := nowMilli()
	r.Status, r.FinishedAt = status, now
	_, err := db.conn().exec(ctx, `
		UPDATE sync_runs SET status = ?, finished_at = ?, processed = ?, skipped = ?, total = ?,
			messages_synced = ?, errors = ?, updated_at = ?
		WHERE id = ?`,
		status, now, r.Processed, r.Skipped, r.Total, r.MessagesSynced, r.Errors, now, r.ID)
	return err
}

// RequestRunCancel flags the running run of kind for cooperative
// cancellation. It reports false when no run of that kind is running.
func (db *DB) RequestRunCancel(ctx context.Context, kind string) (bool, error) {
	res, err := db.conn().exec(ctx, `
		UPDATE sync_runs SET cancel_requested = 1, updated_at = ?
		WHERE kind = ? AND status = 'running'`, nowMilli(), kind)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RunCancelRequested re-reads the cancel flag of a run.
func (db *DB) RunCancelRequested(ctx context.Context, id int64) (bool, error) {
	var cancel int
	err := db.conn().queryRow(ctx, `SELECT cancel_requested FROM sync_runs WHERE id = ?`, id).Scan(&cancel)
	if err != nil {
		return false, err
	}
	return cancel != 0, nil
}

// LatestRun returns the most recent run of kind.
func (db *DB) LatestRun(ctx context.Context, kind string) (*SyncRun, error) {
	return db.oneRun(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE kind = ? ORDER BY id DESC LIMIT 1`, kind)
}

// LatestFinishedRun returns the most recent run of kind that reached a
// terminal status.
func (db *DB) LatestFinishedRun(ctx context.Context, kind string) (*SyncRun, error) {
	return db.oneRun(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE kind = ? AND status <> 'running'
		ORDER BY id DESC LIMIT 1`, kind)
}

func (db *DB) oneRun(ctx context.Context, query string, args ...any) (*SyncRun, error) {
	r, err := scanRun(db.conn().queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}
