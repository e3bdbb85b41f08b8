package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/tgcrm/internal/store"
	"go.uber.org/zap"
)

// Lock types guarded by the manager.
const (
	TypeGlobalSync = "global_sync"
	TypeSingleSync = "single_sync"
	TypeListener   = "listener"
)

var (
	// ErrLostOwnership means a heartbeat found the lock held by someone
	// else (or gone). Guarded work must stop.
	ErrLostOwnership = errors.New("lock: ownership lost")
	// ErrNotAcquired means another live worker holds the lock.
	ErrNotAcquired = errors.New("lock: held by another worker")
)

// Store is the persistence the manager needs. *store.DB satisfies it.
type Store interface {
	InsertLock(ctx context.Context, l store.SyncLock) (bool, error)
	GetLock(ctx context.Context, lockType string) (*store.SyncLock, error)
	ReplaceLock(ctx context.Context, observed, next store.SyncLock) (bool, error)
	TouchLock(ctx context.Context, lockType, workerID string, heartbeatAt, expiresAt int64) (bool, error)
	DeleteLock(ctx context.Context, lockType, workerID string) (bool, error)
}

// Options tunes staleness and heartbeat cadence.
type Options struct {
	StaleAfter     time.Duration
	HeartbeatEvery time.Duration
}

// Manager grants at most one live holder per lock type across processes
// sharing the database.
type Manager struct {
	db     Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a lock manager. Zero options fall back to a two minute
// staleness window and a thirty second heartbeat.
func NewManager(db Store, opts Options, logger *zap.Logger) *Manager {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Minute
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{db: db, opts: opts, logger: logger, now: time.Now}
}

// NewWorkerID returns an id unique to this process instance.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (m *Manager) row(lockType, workerID string, now time.Time) store.SyncLock {
	ms := now.UnixMilli()
	return store.SyncLock{
		LockType:    lockType,
		WorkerID:    workerID,
		AcquiredAt:  ms,
		HeartbeatAt: ms,
		ExpiresAt:   now.Add(m.opts.StaleAfter).UnixMilli(),
	}
}

func (m *Manager) stale(l *store.SyncLock, now time.Time) bool {
	return l.HeartbeatAt < now.Add(-m.opts.StaleAfter).UnixMilli()
}

// Acquire tries to take lockType for workerID. Contention is reported as
// false with a nil error. A worker re-acquiring its own lock refreshes it.
func (m *Manager) Acquire(ctx context.Context, lockType, workerID string) (bool, error) {
	// Two rounds cover a holder releasing between our insert and read.
	for range 2 {
		now := m.now()
		ok, err := m.db.InsertLock(ctx, m.row(lockType, workerID, now))
		if err != nil {
			return false, fmt.Errorf("acquire %s: %w", lockType, err)
		}
		if ok {
			m.logger.Debug("lock acquired", zap.String("lock", lockType), zap.String("worker", workerID))
			return true, nil
		}

		current, err := m.db.GetLock(ctx, lockType)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("acquire %s: %w", lockType, err)
		}

		if current.WorkerID == workerID {
			err := m.Heartbeat(ctx, lockType, workerID)
			if errors.Is(err, ErrLostOwnership) {
				continue
			}
			return err == nil, err
		}
		if !m.stale(current, now) {
			return false, nil
		}

		next := m.row(lockType, workerID, now)
		ok, err = m.db.ReplaceLock(ctx, *current, next)
		if err != nil {
			return false, fmt.Errorf("take over %s: %w", lockType, err)
		}
		if ok {
			m.logger.Info("stale lock taken over",
				zap.String("lock", lockType),
				zap.String("worker", workerID),
				zap.String("previous", current.WorkerID))
		}
		return ok, nil
	}
	return false, nil
}

// Heartbeat refreshes the lock. It returns ErrLostOwnership when workerID
// no longer holds it.
func (m *Manager) Heartbeat(ctx context.Context, lockType, workerID string) error {
	now := m.now()
	ok, err := m.db.TouchLock(ctx, lockType, workerID, now.UnixMilli(), now.Add(m.opts.StaleAfter).UnixMilli())
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", lockType, err)
	}
	if !ok {
		return ErrLostOwnership
	}
	return nil
}

// Release drops the lock if workerID holds it; otherwise it does nothing.
func (m *Manager) Release(ctx context.Context, lockType, workerID string) error {
	if _, err := m.db.DeleteLock(ctx, lockType, workerID); err != nil {
		return fmt.Errorf("release %s: %w", lockType, err)
	}
	return nil
}

// Holder returns the live holder of lockType. Stale rows are reported as
// not held.
func (m *Manager) Holder(ctx context.Context, lockType string) (*store.SyncLock, bool, error) {
	l, err := m.db.GetLock(ctx, lockType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if m.stale(l, m.now()) {
		return l, false, nil
	}
	return l, true, nil
}
