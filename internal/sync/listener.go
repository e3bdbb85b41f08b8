package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/tgcrm/internal/lock"
	"github.com/matheus3301/tgcrm/internal/platform"
	"github.com/matheus3301/tgcrm/internal/status"
	"github.com/matheus3301/tgcrm/internal/store"
	"go.uber.org/zap"
)

// ListenerOptions tunes reconnect behavior.
type ListenerOptions struct {
	// Backoff is the first reconnect delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// StandbyPoll is how often a standby worker retries the lock.
	StandbyPoll time.Duration
}

// Listener owns the live event stream for the account. Only the worker
// holding the listener lock consumes events; the others wait in standby.
type Listener struct {
	engine   *Engine
	locks    *lock.Manager
	workerID string
	machine  *status.Machine
	logger   *zap.Logger
	opts     ListenerOptions
}

// NewListener creates a listener.
func NewListener(engine *Engine, locks *lock.Manager, workerID string, machine *status.Machine, logger *zap.Logger, opts ListenerOptions) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = max(time.Minute, opts.Backoff)
	}
	if opts.StandbyPoll <= 0 {
		opts.StandbyPoll = 30 * time.Second
	}
	return &Listener{
		engine:   engine,
		locks:    locks,
		workerID: workerID,
		machine:  machine,
		logger:   logger,
		opts:     opts,
	}
}

// Machine returns the listener's state machine.
func (l *Listener) Machine() *status.Machine { return l.machine }

func (l *Listener) to(s status.State) {
	if l.machine.Current() == s {
		return
	}
	if err := l.machine.Transition(s); err != nil {
		l.logger.Debug("listener state", zap.Error(err))
	}
}

// Run keeps the stream alive until ctx ends.
func (l *Listener) Run(ctx context.Context) {
	delay := l.opts.Backoff
	for {
		lease, err := l.locks.Hold(ctx, lock.TypeListener, l.workerID)
		switch {
		case ctx.Err() != nil:
			l.to(status.Stopped)
			return
		case errors.Is(err, lock.ErrNotAcquired):
			l.to(status.Standby)
			if !sleep(ctx, l.opts.StandbyPoll) {
				l.to(status.Stopped)
				return
			}
			continue
		case err != nil:
			l.logger.Warn("listener lock failed", zap.Error(err))
			l.to(status.Reconnecting)
			if !sleep(ctx, delay) {
				l.to(status.Stopped)
				return
			}
			delay = min(delay*2, l.opts.MaxBackoff)
			continue
		}

		l.to(status.Connecting)
		live, err := l.session(lease)
		if rerr := lease.Release(); rerr != nil {
			l.logger.Warn("release listener lock failed", zap.Error(rerr))
		}

		switch {
		case ctx.Err() != nil:
			l.to(status.Stopped)
			return
		case lease.Lost():
			l.logger.Warn("listener lock taken over by another worker")
			l.to(status.Standby)
			continue
		}

		if live {
			delay = l.opts.Backoff
		}
		l.logger.Warn("event stream ended", zap.Error(err), zap.Duration("retry_in", delay))
		l.to(status.Reconnecting)
		if !sleep(ctx, delay) {
			l.to(status.Stopped)
			return
		}
		delay = min(delay*2, l.opts.MaxBackoff)
	}
}

// session subscribes, catches up, then applies live events until the
// stream or the lease ends. Events arriving during catch-up are buffered
// so nothing falls between the backfill and the stream. It reports whether
// the session got as far as live delivery.
func (l *Listener) session(lease *lock.Lease) (bool, error) {
	ctx, cancel := context.WithCancel(lease.Context())
	defer cancel()

	events := make(chan platform.Event, 256)
	subErr := make(chan error, 1)
	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		subErr <- l.engine.platform.Subscribe(ctx, func(ctx context.Context, evt platform.Event) error {
			select {
			case events <- evt:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	defer wg.Wait()
	defer cancel()

	l.to(status.CatchingUp)
	res, err := l.catchUp(ctx)
	if err != nil {
		return false, fmt.Errorf("catch-up: %w", err)
	}
	if len(res.Errors) > 0 {
		l.logger.Warn("catch-up finished with errors", zap.Int("errors", len(res.Errors)))
	}

	l.to(status.Live)
	for {
		select {
		case evt := <-events:
			l.handle(ctx, evt)
		case err := <-subErr:
			l.drain(ctx, events)
			return true, err
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// catchUp backfills every conversation as a reconnect run, so its progress
// shows in the status snapshot like any other run.
func (l *Listener) catchUp(ctx context.Context) (Result, error) {
	convs, err := l.engine.targets(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	run := &store.SyncRun{Kind: store.RunReconnect, WorkerID: l.workerID, Total: len(convs)}
	if err := l.engine.db.CreateRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("create run: %w", err)
	}

	res, err := l.engine.runTracked(ctx, run, convs)
	final := store.RunCompleted
	if err != nil {
		final = store.RunFailed
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if ferr := l.engine.db.FinishRun(fctx, run, final); ferr != nil {
		l.logger.Warn("finish reconnect run failed", zap.Int64("run", run.ID), zap.Error(ferr))
	}
	return res, err
}

func (l *Listener) drain(ctx context.Context, events <-chan platform.Event) {
	for {
		select {
		case evt := <-events:
			if ctx.Err() != nil {
				return
			}
			l.handle(ctx, evt)
		default:
			return
		}
	}
}

func (l *Listener) handle(ctx context.Context, evt platform.Event) {
	if err := l.engine.HandleEvent(ctx, evt); err != nil && ctx.Err() == nil {
		l.logger.Error("failed to apply event",
			zap.String("kind", string(evt.Kind)),
			zap.String("chat", evt.ChatID),
			zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
