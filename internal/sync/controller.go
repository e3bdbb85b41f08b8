package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/tgcrm/internal/lock"
	"github.com/matheus3301/tgcrm/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning means the run's lock is held by a live worker.
	ErrAlreadyRunning = errors.New("sync: already running")
	// ErrNotRunning means there is no run to cancel.
	ErrNotRunning = errors.New("sync: not running")
)

// Controller starts and cancels operator-triggered catch-up runs. Each run
// holds its lock for its whole lifetime and records progress in sync_runs,
// so any process sharing the database can report on it.
type Controller struct {
	engine   *Engine
	db       *store.DB
	locks    *lock.Manager
	workerID string
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewController creates a controller. Runs outlive the request that started
// them and stop on Close.
func NewController(engine *Engine, db *store.DB, locks *lock.Manager, workerID string, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		engine:   engine,
		db:       db,
		locks:    locks,
		workerID: workerID,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartGlobal begins a catch-up over every syncable conversation.
func (c *Controller) StartGlobal(ctx context.Context) (*store.SyncRun, error) {
	return c.start(ctx, lock.TypeGlobalSync, store.RunGlobal, nil)
}

// StartSingle begins a catch-up of one conversation. It returns
// store.ErrNotFound for an unknown conversation.
func (c *Controller) StartSingle(ctx context.Context, conversationID int64) (*store.SyncRun, error) {
	if _, err := c.db.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return c.start(ctx, lock.TypeSingleSync, store.RunSingle, &conversationID)
}

// CancelGlobal asks the running global sync to stop after its current
// conversation.
func (c *Controller) CancelGlobal(ctx context.Context) error {
	_, held, err := c.locks.Holder(ctx, lock.TypeGlobalSync)
	if err != nil {
		return err
	}
	if !held {
		return ErrNotRunning
	}
	ok, err := c.db.RequestRunCancel(ctx, store.RunGlobal)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if !ok {
		return ErrNotRunning
	}
	c.logger.Info("global sync cancel requested")
	return nil
}

func (c *Controller) start(ctx context.Context, lockType, kind string, conversationID *int64) (*store.SyncRun, error) {
	lease, err := c.locks.Hold(c.ctx, lockType, c.workerID)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", lockType, err)
	}

	convs, err := c.engine.targets(ctx, conversationID)
	if err != nil {
		_ = lease.Release()
		return nil, err
	}
	run := &store.SyncRun{Kind: kind, WorkerID: c.workerID, Total: len(convs)}
	if conversationID != nil {
		run.ConversationID = *conversationID
	}
	if err := c.db.CreateRun(ctx, run); err != nil {
		_ = lease.Release()
		return nil, fmt.Errorf("create run: %w", err)
	}

	c.logger.Info("sync run started",
		zap.String("kind", kind),
		zap.Int64("run", run.ID),
		zap.Int("conversations", len(convs)))

	started := *run
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(lease, run, convs)
	}()
	return &started, nil
}

func (c *Controller) execute(lease *lock.Lease, run *store.SyncRun, convs []store.Conversation) {
	defer func() {
		if err := lease.Release(); err != nil {
			c.logger.Warn("release sync lock failed", zap.String("lock", lease.LockType()), zap.Error(err))
		}
	}()

	res, err := c.engine.runTracked(lease.Context(), run, convs)
	status := store.RunCompleted
	switch {
	case lease.Lost():
		status = store.RunFailed
		c.logger.Warn("sync run lost its lock", zap.Int64("run", run.ID))
	case err != nil:
		status = store.RunFailed
		c.logger.Error("sync run failed", zap.Int64("run", run.ID), zap.Error(err))
	case res.Cancelled:
		status = store.RunCancelled
	}

	// The lease context is already done when the run was cut short.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.db.FinishRun(ctx, run, status); err != nil {
		c.logger.Error("finish run failed", zap.Int64("run", run.ID), zap.Error(err))
	}
	c.logger.Info("sync run finished", zap.Int64("run", run.ID), zap.String("status", status))
}

// Wait blocks until every started run has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close stops in-flight runs and waits for them.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}
