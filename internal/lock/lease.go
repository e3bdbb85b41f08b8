package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Lease is a held lock kept alive by a background heartbeat. Its context is
// cancelled as soon as ownership is lost.
type Lease struct {
	m        *Manager
	lockType string
	workerID string

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

// Hold acquires lockType and starts heartbeating it. It returns
// ErrNotAcquired when another live worker holds the lock.
func (m *Manager) Hold(ctx context.Context, lockType, workerID string) (*Lease, error) {
	ok, err := m.Acquire(ctx, lockType, workerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	lctx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		m:        m,
		lockType: lockType,
		workerID: workerID,
		ctx:      lctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go l.heartbeat()
	return l, nil
}

func (l *Lease) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(l.m.opts.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			err := l.m.Heartbeat(l.ctx, l.lockType, l.workerID)
			switch {
			case errors.Is(err, ErrLostOwnership):
				l.m.logger.Warn("lock ownership lost",
					zap.String("lock", l.lockType),
					zap.String("worker", l.workerID))
				l.cancel(ErrLostOwnership)
				return
			case err != nil && l.ctx.Err() == nil:
				// Transient store failure; staleness decides if we keep it.
				l.m.logger.Warn("lock heartbeat failed", zap.String("lock", l.lockType), zap.Error(err))
			}
		}
	}
}

// Context is cancelled when the lease is released, lost, or its parent
// context ends.
func (l *Lease) Context() context.Context { return l.ctx }

// Lost reports whether the lease ended because another worker took over.
func (l *Lease) Lost() bool {
	return errors.Is(context.Cause(l.ctx), ErrLostOwnership)
}

// LockType returns the guarded lock type.
func (l *Lease) LockType() string { return l.lockType }

// WorkerID returns the holder id.
func (l *Lease) WorkerID() string { return l.workerID }

// Release stops the heartbeat and deletes the lock row if still owned.
// Safe to call more than once.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		l.cancel(nil)
		<-l.done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.m.Release(ctx, l.lockType, l.workerID)
	})
	return err
}
