package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	gosync "sync"
	"time"

	"github.com/matheus3301/tgcrm/internal/blob"
	"github.com/matheus3301/tgcrm/internal/bus"
	"github.com/matheus3301/tgcrm/internal/platform"
	"github.com/matheus3301/tgcrm/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// errPermanent marks failures that retrying cannot fix.
	errPermanent = errors.New("permanent failure")
	// errUnrecorded means the platform accepted an entry the store could not
	// record. The entry stays claimed and is never sent again by this worker.
	errUnrecorded = errors.New("sent but not recorded")
)

// Options tunes the worker.
type Options struct {
	PollInterval time.Duration
	ClaimTimeout time.Duration
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	RateLimit    float64 // operations per second across all entries
	RateBurst    int
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 2 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = max(5*time.Minute, o.BackoffBase)
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
}

// Worker drains the outbox and delivers entries via the platform client.
// Any number of workers may run against the same database; claims keep
// them off each other's entries.
type Worker struct {
	db       *store.DB
	platform platform.Client
	blobs    blob.Store
	bus      *bus.Bus
	logger   *zap.Logger
	workerID string
	opts     Options
	limiter  *rate.Limiter
	now      func() time.Time

	recordRetries int
	recordDelay   time.Duration

	umu        gosync.Mutex
	unrecorded map[int64]sentRecord // entry id -> delivery awaiting the store

	mu     gosync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// sentRecord is what a successful platform call left to write.
type sentRecord struct {
	msg        *store.Message // nil for reactions
	externalID int64
}

// NewWorker creates a new outbox worker. blobs may be nil when attachments
// are not configured.
func NewWorker(db *store.DB, pc platform.Client, blobs blob.Store, b *bus.Bus, workerID string, logger *zap.Logger, opts Options) *Worker {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	return &Worker{
		db:       db,
		platform: pc,
		blobs:    blobs,
		bus:      b,
		logger:   logger,
		workerID: workerID,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		now:      time.Now,

		recordRetries: 3,
		recordDelay:   200 * time.Millisecond,
		unrecorded:    make(map[int64]sentRecord),
	}
}

// SetRate changes the shared token bucket while the worker runs.
func (w *Worker) SetRate(limit float64, burst int) {
	if limit <= 0 || burst <= 0 {
		return
	}
	w.limiter.SetLimit(rate.Limit(limit))
	w.limiter.SetBurst(burst)
	w.logger.Info("outbox rate updated", zap.Float64("per_second", limit), zap.Int("burst", burst))
}

// Start begins polling the outbox.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
}

// Stop stops the worker loop and waits for the current batch.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("failed to process outbox", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// ProcessOnce claims one batch and delivers it. It returns how many
// entries were claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	entries, err := w.db.ClaimOutbox(ctx, w.workerID, w.opts.BatchSize, w.opts.ClaimTimeout, w.now())
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	for i := range entries {
		if ctx.Err() != nil {
			// Unsent claims expire and get picked up again.
			return len(entries), ctx.Err()
		}
		w.deliver(ctx, &entries[i])
	}
	return len(entries), nil
}

// deliver sends one claimed entry and records the outcome. Failures are
// recorded on the entry; they never stop the batch.
func (w *Worker) deliver(ctx context.Context, e *store.OutboxEntry) {
	log := w.logger.With(zap.String("entry", e.EntryID), zap.Int64("conversation", e.ConversationID), zap.Int("attempt", e.Attempts))

	var err error
	if rec, ok := w.takeUnrecorded(e.ID); ok {
		err = w.record(ctx, e, rec)
	} else {
		if werr := w.limiter.Wait(ctx); werr != nil {
			return
		}
		err = w.send(ctx, e)
	}
	if errors.Is(err, errUnrecorded) {
		log.Error("outbox entry sent but not recorded", zap.Error(err))
		return
	}
	if err == nil {
		log.Info("outbox entry sent", zap.String("kind", e.Kind), zap.Int64("external_id", e.ExternalMessageID))
		w.bus.Emit(bus.OutboxSent, bus.OutboxRef{EntryID: e.EntryID, ConversationID: e.ConversationID, Attempts: e.Attempts})
		return
	}
	if ctx.Err() != nil {
		return
	}

	ref := bus.OutboxRef{EntryID: e.EntryID, ConversationID: e.ConversationID, Attempts: e.Attempts, Error: err.Error()}
	if errors.Is(err, errPermanent) || platform.IsPermanent(err) || e.Attempts >= w.opts.MaxAttempts {
		if _, ferr := w.db.MarkOutboxFailed(ctx, e.ID, w.workerID, err.Error()); ferr != nil {
			log.Error("failed to mark outbox failed", zap.Error(ferr))
			return
		}
		log.Warn("outbox entry failed", zap.Error(err))
		w.bus.Emit(bus.OutboxFailed, ref)
		return
	}

	next := w.now().Add(max(w.backoff(e.Attempts), platform.RetryAfter(err)))
	if _, rerr := w.db.RescheduleOutbox(ctx, e.ID, w.workerID, next, err.Error()); rerr != nil {
		log.Error("failed to reschedule outbox entry", zap.Error(rerr))
		return
	}
	log.Info("outbox entry will retry", zap.Time("next_attempt", next), zap.Error(err))
	w.bus.Emit(bus.OutboxRetry, ref)
}

func (w *Worker) send(ctx context.Context, e *store.OutboxEntry) error {
	switch e.Kind {
	case store.KindMessage:
		return w.sendMessage(ctx, e)
	case store.KindReaction:
		return w.sendReaction(ctx, e)
	}
	return fmt.Errorf("%w: unknown kind %q", errPermanent, e.Kind)
}

// backoff returns BackoffBase doubled per prior attempt, capped at BackoffMax.
func (w *Worker) backoff(attempts int) time.Duration {
	d := w.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.opts.BackoffMax {
			return w.opts.BackoffMax
		}
	}
	return min(d, w.opts.BackoffMax)
}

func (w *Worker) conversation(ctx context.Context, id int64) (*store.Conversation, error) {
	c, err := w.db.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %d missing", errPermanent, id)
	}
	return c, err
}

func (w *Worker) sendMessage(ctx context.Context, e *store.OutboxEntry) error {
	var p MessagePayload
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		return fmt.Errorf("%w: decode payload: %v", errPermanent, err)
	}
	conv, err := w.conversation(ctx, e.ConversationID)
	if err != nil {
		return err
	}

	out := platform.OutgoingMessage{Text: p.Text, ReplyToID: p.ReplyToID}
	if p.Attachment != nil {
		body, err := w.openAttachment(ctx, p.Attachment)
		if err != nil {
			return err
		}
		defer func() { _ = body.Close() }()
		out.Upload = &platform.Upload{Name: p.Attachment.Name, MimeType: p.Attachment.MimeType, Size: p.Attachment.Size, Body: body}
	}

	sent, err := w.platform.SendMessage(ctx, conv.ExternalID, out)
	if err != nil {
		return err
	}

	msg := &store.Message{
		ConversationID: e.ConversationID,
		ExternalID:     sent.ID,
		Direction:      store.DirectionOutbound,
		SenderID:       sent.SenderID,
		SenderName:     sent.SenderName,
		Body:           p.Text,
		ContentType:    "text",
		Status:         store.StatusSent,
		SentAt:         sent.Date * 1000,
	}
	if msg.SentAt == 0 {
		msg.SentAt = w.now().UnixMilli()
	}
	if p.Attachment != nil {
		b, _ := json.Marshal(platform.Attachment{Kind: "document", FileName: p.Attachment.Name, MimeType: p.Attachment.MimeType, Size: p.Attachment.Size})
		msg.Attachment = string(b)
		msg.ContentType = "document"
	}

	return w.record(ctx, e, sentRecord{msg: msg, externalID: sent.ID})
}

// record writes a delivered entry: the outbound message row, when there is
// one, and the sent mark, in one transaction. The platform already has the
// entry, so the write is retried rather than the send; if the store stays
// unavailable the delivery is kept in memory and written on the next claim.
func (w *Worker) record(ctx context.Context, e *store.OutboxEntry, rec sentRecord) error {
	delay := w.recordDelay
	var owned bool
	var err error
	for attempt := 1; ; attempt++ {
		owned, err = w.recordOnce(ctx, e, rec)
		if err == nil || attempt >= w.recordRetries || ctx.Err() != nil {
			break
		}
		if werr := waitFor(ctx, delay); werr != nil {
			break
		}
		delay *= 2
	}
	if err != nil {
		w.keepUnrecorded(e.ID, rec)
		return fmt.Errorf("%w: external id %d: %v", errUnrecorded, rec.externalID, err)
	}
	if !owned {
		w.logger.Warn("outbox claim lapsed before completion", zap.String("entry", e.EntryID))
	}
	e.ExternalMessageID = rec.externalID
	if rec.msg != nil && rec.msg.ID != 0 {
		w.bus.Emit(bus.MessageUpserted, bus.MessageRef{MessageID: rec.msg.ID, ConversationID: e.ConversationID, ExternalID: rec.externalID})
	}
	return nil
}

func (w *Worker) recordOnce(ctx context.Context, e *store.OutboxEntry, rec sentRecord) (bool, error) {
	if rec.msg == nil {
		return w.db.MarkOutboxSent(ctx, e.ID, w.workerID, rec.externalID)
	}
	// A rolled back attempt may have set the id.
	rec.msg.ID = 0
	var owned bool
	err := w.db.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.InsertMessage(ctx, rec.msg); err != nil {
			return err
		}
		if err := tx.TouchLastMessage(ctx, e.ConversationID, rec.msg.SentAt); err != nil {
			return err
		}
		var err error
		owned, err = tx.MarkOutboxSent(ctx, e.ID, w.workerID, rec.externalID)
		return err
	})
	return owned, err
}

func (w *Worker) keepUnrecorded(id int64, rec sentRecord) {
	w.umu.Lock()
	defer w.umu.Unlock()
	w.unrecorded[id] = rec
}

func (w *Worker) takeUnrecorded(id int64) (sentRecord, bool) {
	w.umu.Lock()
	defer w.umu.Unlock()
	rec, ok := w.unrecorded[id]
	delete(w.unrecorded, id)
	return rec, ok
}

func waitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) openAttachment(ctx context.Context, a *Attachment) (io.ReadCloser, error) {
	if w.blobs == nil {
		return nil, fmt.Errorf("%w: attachments are not configured", errPermanent)
	}
	body, err := w.blobs.Open(ctx, a.Key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: attachment %s missing", errPermanent, a.Key)
	}
	return body, err
}

func (w *Worker) sendReaction(ctx context.Context, e *store.OutboxEntry) error {
	var p ReactionPayload
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		return fmt.Errorf("%w: decode payload: %v", errPermanent, err)
	}
	conv, err := w.conversation(ctx, e.ConversationID)
	if err != nil {
		return err
	}
	if err := w.platform.SendReaction(ctx, conv.ExternalID, p.TargetExternalID, p.Emoji, p.Remove); err != nil {
		return err
	}
	return w.record(ctx, e, sentRecord{})
}
