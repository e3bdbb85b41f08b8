package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/tgcrm/internal/lock"
	"github.com/matheus3301/tgcrm/internal/store"
)

// Progress counts conversations and messages handled by a run.
type Progress struct {
	Processed      int `json:"processed"`
	Skipped        int `json:"skipped"`
	Total          int `json:"total"`
	MessagesSynced int `json:"messagesSynced"`
}

// RunError is a per-conversation failure recorded by a run.
type RunError struct {
	ConversationID int64  `json:"conversationId"`
	Error          string `json:"error"`
}

// SyncStatus describes one kind of catch-up run.
type SyncStatus struct {
	IsRunning       bool       `json:"isRunning"`
	RunID           int64      `json:"runId,omitempty"`
	WorkerID        string     `json:"workerId,omitempty"`
	ConversationID  int64      `json:"conversationId,omitempty"`
	StartedAt       *time.Time `json:"startedAt"`
	Progress        Progress   `json:"progress"`
	LastCompletedAt *time.Time `json:"lastCompletedAt"`
	LastStatus      string     `json:"lastStatus,omitempty"`
	LastDuration    int64      `json:"lastDuration"` // milliseconds
	Errors          []RunError `json:"errors"`
}

// ListenerStatus describes the live event listener.
type ListenerStatus struct {
	IsRunning   bool       `json:"isRunning"`
	State       State      `json:"state,omitempty"` // this process's view
	WorkerID    string     `json:"workerId,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeatAt"`
	CatchUp     *CatchUp   `json:"catchUp,omitempty"`
}

// CatchUp is the listener's latest reconnect backfill.
type CatchUp struct {
	IsRunning  bool       `json:"isRunning"`
	RunID      int64      `json:"runId"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
	Progress   Progress   `json:"progress"`
	Errors     []RunError `json:"errors"`
}

// OutboxStatus counts outbox entries by status.
type OutboxStatus struct {
	Pending int `json:"pending"`
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Snapshot is the polled status document.
type Snapshot struct {
	GlobalSync         SyncStatus     `json:"globalSync"`
	SingleSync         SyncStatus     `json:"singleSync"`
	Listener           ListenerStatus `json:"listener"`
	Outbox             OutboxStatus   `json:"outbox"`
	CanStartGlobalSync bool           `json:"canStartGlobalSync"`
	CanStartSingleSync bool           `json:"canStartSingleSync"`
}

// Reporter computes snapshots from lock rows, run rows and outbox counts.
// It only reads.
type Reporter struct {
	db      *store.DB
	locks   *lock.Manager
	machine *Machine
}

// NewReporter creates a reporter. machine may be nil in processes that do
// not run a listener.
func NewReporter(db *store.DB, locks *lock.Manager, machine *Machine) *Reporter {
	return &Reporter{db: db, locks: locks, machine: machine}
}

// Snapshot computes the current status.
func (r *Reporter) Snapshot(ctx context.Context) (*Snapshot, error) {
	global, err := r.syncStatus(ctx, lock.TypeGlobalSync, store.RunGlobal)
	if err != nil {
		return nil, err
	}
	single, err := r.syncStatus(ctx, lock.TypeSingleSync, store.RunSingle)
	if err != nil {
		return nil, err
	}
	listener, err := r.listenerStatus(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := r.db.CountOutbox(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		GlobalSync:         global,
		SingleSync:         single,
		Listener:           listener,
		Outbox:             OutboxStatus(counts),
		CanStartGlobalSync: !global.IsRunning,
		CanStartSingleSync: !single.IsRunning,
	}, nil
}

func (r *Reporter) syncStatus(ctx context.Context, lockType, kind string) (SyncStatus, error) {
	s := SyncStatus{Errors: []RunError{}}
	holder, held, err := r.locks.Holder(ctx, lockType)
	if err != nil {
		return s, err
	}
	s.IsRunning = held

	latest, err := r.db.LatestRun(ctx, kind)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return s, err
	}
	if held {
		s.WorkerID = holder.WorkerID
		s.StartedAt = millis(holder.AcquiredAt)
		if latest != nil && latest.Status == store.RunRunning {
			s.RunID = latest.ID
			s.ConversationID = latest.ConversationID
			s.StartedAt = millis(latest.StartedAt)
			s.Progress = progressOf(latest)
			s.Errors = runErrors(latest)
		}
	}

	last, err := r.db.LatestFinishedRun(ctx, kind)
	if errors.Is(err, store.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	s.LastCompletedAt = millis(last.FinishedAt)
	s.LastStatus = last.Status
	s.LastDuration = max(last.FinishedAt-last.StartedAt, 0)
	if !s.IsRunning {
		s.RunID = last.ID
		s.ConversationID = last.ConversationID
		s.Progress = progressOf(last)
		s.Errors = runErrors(last)
	}
	return s, nil
}

func (r *Reporter) listenerStatus(ctx context.Context) (ListenerStatus, error) {
	var s ListenerStatus
	if r.machine != nil {
		s.State = r.machine.Current()
	}
	holder, held, err := r.locks.Holder(ctx, lock.TypeListener)
	if err != nil {
		return s, err
	}
	s.IsRunning = held
	if holder != nil {
		s.WorkerID = holder.WorkerID
		s.HeartbeatAt = millis(holder.HeartbeatAt)
	}

	run, err := r.db.LatestRun(ctx, store.RunReconnect)
	if errors.Is(err, store.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	s.CatchUp = &CatchUp{
		// A running row without a live listener lock was abandoned.
		IsRunning:  held && run.Status == store.RunRunning,
		RunID:      run.ID,
		Status:     run.Status,
		StartedAt:  millis(run.StartedAt),
		FinishedAt: millis(run.FinishedAt),
		Progress:   progressOf(run),
		Errors:     runErrors(run),
	}
	return s, nil
}

func progressOf(run *store.SyncRun) Progress {
	return Progress{
		Processed:      run.Processed,
		Skipped:        run.Skipped,
		Total:          run.Total,
		MessagesSynced: run.MessagesSynced,
	}
}

func runErrors(run *store.SyncRun) []RunError {
	out := []RunError{}
	if run.Errors != "" {
		_ = json.Unmarshal([]byte(run.Errors), &out)
	}
	if out == nil {
		out = []RunError{}
	}
	return out
}

func millis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
