package store

import (
	"context"
	"database/sql"
	"errors"
)

// InsertLock creates the lock row if none exists for its type.
func (db *DB) InsertLock(ctx context.Context, l SyncLock) (bool, error) {
	res, err := db.conn().exec(ctx, `
		INSERT INTO sync_locks (lock_type, worker_id, acquired_at, heartbeat_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(lock_type) DO NOTHING`,
		l.LockType, l.WorkerID, l.AcquiredAt, l.HeartbeatAt, l.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetLock returns the current row for a lock type.
func (db *DB) GetLock(ctx context.Context, lockType string) (*SyncLock, error) {
	var l SyncLock
	err := db.conn().queryRow(ctx, `
		SELECT lock_type, worker_id, acquired_at, heartbeat_at, expires_at
		FROM sync_locks WHERE lock_type = ?`, lockType).
		Scan(&l.LockType, &l.WorkerID, &l.AcquiredAt, &l.HeartbeatAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ReplaceLock hands the lock to next only if the row still carries the
// observed holder and heartbeat.
func (db *DB) ReplaceLock(ctx context.Context, observed SyncLock, next SyncLock) (bool, error) {
	res, err := db.conn().exec(ctx, `
		UPDATE sync_locks SET worker_id = ?, acquired_at = ?, heartbeat_at = ?, expires_at = ?
		WHERE lock_type = ? AND worker_id = ? AND heartbeat_at = ?`,
		next.WorkerID, next.AcquiredAt, next.HeartbeatAt, next.ExpiresAt,
		observed.LockType, observed.WorkerID, observed.HeartbeatAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TouchLock refreshes the heartbeat of a lock held by workerID.
func (db *DB) TouchLock(ctx context.Context, lockType, workerID string, heartbeatAt, expiresAt int64) (bool, error) {
	res, err := db.conn().exec(ctx, `
		UPDATE sync_locks SET heartbeat_at = ?, expires_at = ?
		WHERE lock_type = ? AND worker_id = ?`,
		heartbeatAt, expiresAt, lockType, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeleteLock removes the lock row if workerID holds it.
func (db *DB) DeleteLock(ctx context.Context, lockType, workerID string) (bool, error) {
	res, err := db.conn().exec(ctx, `DELETE FROM sync_locks WHERE lock_type = ? AND worker_id = ?`, lockType, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
