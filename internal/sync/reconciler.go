package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/tgcrm/internal/bus"
	"github.com/matheus3301/tgcrm/internal/store"
	"go.uber.org/zap"
)

// ConversationError records one conversation's catch-up failure.
type ConversationError struct {
	ConversationID int64  `json:"conversationId"`
	Error          string `json:"error"`
}

// Result summarizes a catch-up pass. Processed counts conversations that
// were fetched (failed ones included), Skipped those already up to date or
// sync-disabled.
type Result struct {
	Processed      int                 `json:"processed"`
	Skipped        int                 `json:"skipped"`
	Total          int                 `json:"total"`
	MessagesSynced int                 `json:"messagesSynced"`
	Errors         []ConversationError `json:"errors"`
	Cancelled      bool                `json:"cancelled"`
}

// hooks let a tracked run persist progress and stop between conversations.
type hooks struct {
	progress  func(ctx context.Context, r Result)
	cancelled func(ctx context.Context) bool
}

// RunCatchUp backfills every syncable conversation, or only the one given,
// from platform history newer than its cursor.
func (e *Engine) RunCatchUp(ctx context.Context, conversationID *int64) (Result, error) {
	convs, err := e.targets(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	return e.catchUp(ctx, convs, hooks{})
}

func (e *Engine) targets(ctx context.Context, conversationID *int64) ([]store.Conversation, error) {
	if conversationID != nil {
		c, err := e.db.GetConversation(ctx, *conversationID)
		if err != nil {
			return nil, err
		}
		return []store.Conversation{*c}, nil
	}
	convs, err := e.db.ListSyncableConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

func (e *Engine) catchUp(ctx context.Context, convs []store.Conversation, h hooks) (Result, error) {
	res := Result{Total: len(convs), Errors: []ConversationError{}}
	e.bus.Emit(bus.SyncStarted, res)
	start := time.Now()

	for i := range convs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if h.cancelled != nil && h.cancelled(ctx) {
			res.Cancelled = true
			break
		}

		c := &convs[i]
		if c.SyncDisabled {
			res.Skipped++
		} else {
			n, err := e.syncConversation(ctx, c)
			res.MessagesSynced += n
			switch {
			case err != nil && ctx.Err() != nil:
				return res, ctx.Err()
			case err != nil:
				e.logger.Warn("catch-up failed",
					zap.Int64("conversation", c.ID),
					zap.String("chat", c.ExternalID),
					zap.Error(err))
				res.Errors = append(res.Errors, ConversationError{ConversationID: c.ID, Error: err.Error()})
				res.Processed++
			case n == 0:
				res.Skipped++
			default:
				res.Processed++
			}
		}

		if h.progress != nil {
			h.progress(ctx, res)
		}
		e.bus.Emit(bus.SyncProgress, res)
	}

	e.logger.Info("catch-up finished",
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("total", res.Total),
		zap.Int("messages", res.MessagesSynced),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("cancelled", res.Cancelled),
		zap.Duration("took", time.Since(start)))
	e.bus.Emit(bus.SyncFinished, res)
	return res, nil
}

// syncConversation pages history after the cursor. Each page is written in
// one transaction and the cursor only moves once the page is committed.
func (e *Engine) syncConversation(ctx context.Context, c *store.Conversation) (int, error) {
	cursor := c.LastSyncedMessageID
	synced := 0
	for {
		page, err := e.platform.History(ctx, c.ExternalID, cursor, e.pageSize)
		if err != nil {
			return synced, fmt.Errorf("fetch history: %w", err)
		}

		var fresh []*store.Message
		maxID, lastAt := cursor, int64(0)
		for i := range page {
			pm := &page[i]
			if pm.ID <= cursor {
				continue
			}
			fresh = append(fresh, toStoreMessage(c.ID, pm))
			maxID = max(maxID, pm.ID)
			lastAt = max(lastAt, pm.Date*1000)
		}
		if len(fresh) == 0 {
			break
		}

		var inserted []*store.Message
		err = e.db.WithTx(ctx, func(tx *store.Tx) error {
			inserted = inserted[:0]
			for _, m := range fresh {
				ok, err := tx.InsertMessage(ctx, m)
				if err != nil {
					return err
				}
				if ok {
					inserted = append(inserted, m)
				}
			}
			return tx.TouchLastMessage(ctx, c.ID, lastAt)
		})
		if err != nil {
			return synced, fmt.Errorf("write page: %w", err)
		}
		if _, err := e.db.AdvanceCursor(ctx, c.ID, maxID); err != nil {
			return synced, fmt.Errorf("advance cursor: %w", err)
		}
		cursor = maxID
		synced += len(inserted)
		for _, m := range inserted {
			e.bus.Emit(bus.MessageUpserted, bus.MessageRef{MessageID: m.ID, ConversationID: c.ID, ExternalID: m.ExternalID})
		}

		if len(page) < e.pageSize {
			break
		}
	}
	if err := e.db.MarkSynced(ctx, c.ID); err != nil {
		return synced, fmt.Errorf("mark synced: %w", err)
	}
	c.LastSyncedMessageID = cursor
	return synced, nil
}

// runTracked executes a catch-up bound to a sync_runs row: progress is
// persisted after each conversation and the cancel flag is re-read before
// the next one.
func (e *Engine) runTracked(ctx context.Context, run *store.SyncRun, convs []store.Conversation) (Result, error) {
	h := hooks{
		progress: func(ctx context.Context, r Result) {
			applyResult(run, r)
			if err := e.db.UpdateRunProgress(ctx, run); err != nil {
				e.logger.Warn("persist run progress failed", zap.Int64("run", run.ID), zap.Error(err))
			}
		},
		cancelled: func(ctx context.Context) bool {
			cancel, err := e.db.RunCancelRequested(ctx, run.ID)
			if err != nil {
				e.logger.Warn("read cancel flag failed", zap.Int64("run", run.ID), zap.Error(err))
				return false
			}
			return cancel
		},
	}
	res, err := e.catchUp(ctx, convs, h)
	applyResult(run, res)
	return res, err
}

func applyResult(run *store.SyncRun, r Result) {
	run.Processed = r.Processed
	run.Skipped = r.Skipped
	run.Total = r.Total
	run.MessagesSynced = r.MessagesSynced
	errs := r.Errors
	if errs == nil {
		errs = []ConversationError{}
	}
	b, _ := json.Marshal(errs)
	run.Errors = string(b)
}

// RunErrors decodes the errors column of a run.
func RunErrors(run *store.SyncRun) []ConversationError {
	var out []ConversationError
	if run == nil || run.Errors == "" {
		return []ConversationError{}
	}
	if err := json.Unmarshal([]byte(run.Errors), &out); err != nil || out == nil {
		return []ConversationError{}
	}
	return out
}
