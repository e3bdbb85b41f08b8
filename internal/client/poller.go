package client

import (
	"context"
	"slices"
	gosync "sync"
	"time"
)

// StatusSource is what the poller reads. *Client satisfies it.
type StatusSource interface {
	Status(ctx context.Context) (*Status, error)
}

// Completion kinds.
const (
	CompletionGlobal = "global"
	CompletionSingle = "single"
)

// Completion reports that a sync went from running to not running.
type Completion struct {
	Kind           string // CompletionGlobal or CompletionSingle
	ConversationID int64  // single syncs only
	LastStatus     string // completed, cancelled, failed
}

// PollerOptions sets the cadence.
type PollerOptions struct {
	ActiveInterval time.Duration // while any sync runs; 1.5s when zero
	IdleInterval   time.Duration // otherwise; 30s when zero
}

// Poller polls the sync status adaptively and fires completion callbacks
// exactly once per running to not-running transition.
type Poller struct {
	src  StatusSource
	opts PollerOptions
	kick chan struct{}

	mu          gosync.Mutex
	last        *Status
	onCompleted []func(Completion)
	onStatus    []func(*Status)
}

// NewPoller creates a poller reading from src.
func NewPoller(src StatusSource, opts PollerOptions) *Poller {
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = 1500 * time.Millisecond
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 30 * time.Second
	}
	return &Poller{src: src, opts: opts, kick: make(chan struct{}, 1)}
}

// OnSyncCompleted registers fn for completion edges.
func (p *Poller) OnSyncCompleted(fn func(Completion)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCompleted = append(p.onCompleted, fn)
}

// OnStatus registers fn for every successful poll.
func (p *Poller) OnStatus(fn func(*Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStatus = append(p.onStatus, fn)
}

// Latest returns the last polled status, or nil before the first success.
func (p *Poller) Latest() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Poll fetches the status once, fires callbacks, and returns the interval
// until the next poll. On error the previous state is kept, so a failed
// poll between running and idle neither fires nor loses the edge.
func (p *Poller) Poll(ctx context.Context) (time.Duration, error) {
	st, err := p.src.Status(ctx)
	if err != nil {
		return p.interval(p.Latest()), err
	}

	p.mu.Lock()
	prev := p.last
	p.last = st
	onCompleted := slices.Clone(p.onCompleted)
	onStatus := slices.Clone(p.onStatus)
	p.mu.Unlock()

	var done []Completion
	if prev != nil {
		if prev.GlobalSync.IsRunning && !st.GlobalSync.IsRunning {
			done = append(done, Completion{Kind: CompletionGlobal, LastStatus: st.GlobalSync.LastStatus})
		}
		if prev.SingleSync.IsRunning && !st.SingleSync.IsRunning {
			id := st.SingleSync.ConversationID
			if id == 0 {
				id = prev.SingleSync.ConversationID
			}
			done = append(done, Completion{Kind: CompletionSingle, ConversationID: id, LastStatus: st.SingleSync.LastStatus})
		}
	}

	for _, fn := range onStatus {
		fn(st)
	}
	for _, c := range done {
		for _, fn := range onCompleted {
			fn(c)
		}
	}
	return p.interval(st), nil
}

func (p *Poller) interval(st *Status) time.Duration {
	if st != nil && (st.GlobalSync.IsRunning || st.SingleSync.IsRunning) {
		return p.opts.ActiveInterval
	}
	return p.opts.IdleInterval
}

// Run polls until ctx ends. Poll errors are passed to onErr when non-nil.
func (p *Poller) Run(ctx context.Context, onErr func(error)) {
	for {
		next, err := p.Poll(ctx)
		if err != nil && ctx.Err() == nil && onErr != nil {
			onErr(err)
		}
		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-p.kick:
			t.Stop()
		case <-t.C:
		}
	}
}

// Kick makes Run poll now instead of waiting out the current interval.
// Call it after starting a sync so the fast cadence begins at once.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}
