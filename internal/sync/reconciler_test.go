package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/tgcrm/internal/lock"
	"github.com/matheus3301/tgcrm/internal/platform"
	"github.com/matheus3301/tgcrm/internal/platform/platformtest"
	"github.com/matheus3301/tgcrm/internal/store"
)

// fullHistory ignores afterID, like a platform that pages by date.
type fullHistory struct {
	*platformtest.Fake
}

func (f fullHistory) History(ctx context.Context, chatID string, _ int64, _ int) ([]platform.Message, error) {
	return f.Fake.History(ctx, chatID, 0, 0)
}

// gatedHistory blocks the first History call until released.
type gatedHistory struct {
	*platformtest.Fake
	entered chan struct{}
	release chan struct{}
	once    gosync.Once
}

func (g *gatedHistory) History(ctx context.Context, chatID string, afterID int64, limit int) ([]platform.Message, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Fake.History(ctx, chatID, afterID, limit)
}

func msgs(ids ...int64) []platform.Message {
	out := make([]platform.Message, len(ids))
	for i, id := range ids {
		out[i] = platform.Message{ID: id, Text: "m", Date: 1700000000 + id}
	}
	return out
}

func ensure(t *testing.T, db *store.DB, externalID string) int64 {
	t.Helper()
	id, _, err := db.EnsureConversation(context.Background(), &store.Conversation{ExternalID: externalID})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCatchUpSkipsMessagesAtOrBeforeCursor(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	fake.AddHistory("42", msgs(98, 99, 101, 102)...)

	id := ensure(t, db, "42")
	if _, err := db.AdvanceCursor(ctx, id, 100); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(db, fullHistory{fake}, nil, nil, nil, Options{})
	res, err := e.RunCatchUp(ctx, &id)
	if err != nil {
		t.Fatal(err)
	}
	if res.MessagesSynced != 2 || res.Processed != 1 || res.Total != 1 {
		t.Errorf("result = %+v", res)
	}

	for _, ext := range []int64{98, 99} {
		if _, err := db.GetMessageByExternalID(ctx, id, ext); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("message %d stored, want skipped", ext)
		}
	}
	for _, ext := range []int64{101, 102} {
		if _, err := db.GetMessageByExternalID(ctx, id, ext); err != nil {
			t.Errorf("message %d: %v", ext, err)
		}
	}
	if c := conversation(t, db, "42"); c.LastSyncedMessageID != 102 {
		t.Errorf("cursor = %d, want 102", c.LastSyncedMessageID)
	}
}

func TestCatchUpPagesUntilCaughtUp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	fake.AddHistory("42", msgs(1, 2, 3, 4, 5)...)
	id := ensure(t, db, "42")

	e := NewEngine(db, fake, nil, nil, nil, Options{PageSize: 2})
	res, err := e.RunCatchUp(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.MessagesSynced != 5 {
		t.Errorf("messages synced = %d, want 5", res.MessagesSynced)
	}
	if got := fake.Calls("history"); got != 3 {
		t.Errorf("history calls = %d, want 3", got)
	}
	if n := countMessages(t, db, id); n != 5 {
		t.Errorf("got %d messages, want 5", n)
	}

	// A second pass finds nothing new.
	res, err = e.RunCatchUp(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.MessagesSynced != 0 || res.Skipped != 1 || res.Processed != 0 {
		t.Errorf("second pass result = %+v", res)
	}
}

func TestCatchUpAndLiveAreIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	fake.AddHistory("42", msgs(1, 2, 3)...)

	e := NewEngine(db, fake, nil, nil, nil, Options{})
	// The live stream saw message 2 first.
	if err := e.HandleEvent(ctx, newMessage("42", 2, "m")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RunCatchUp(ctx, nil); err != nil {
		t.Fatal(err)
	}
	c := conversation(t, db, "42")
	// Cursor was already at 2, so catch-up only asked for 3.
	if n := countMessages(t, db, c.ID); n != 2 {
		t.Errorf("got %d messages, want 2", n)
	}
	if c.LastSyncedMessageID != 3 {
		t.Errorf("cursor = %d, want 3", c.LastSyncedMessageID)
	}
}

func TestCatchUpContinuesPastFailures(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	fake.AddHistory("ok", msgs(1, 2)...)
	fake.FailHistory("bad", platform.ErrForbidden)

	okID := ensure(t, db, "ok")
	badID := ensure(t, db, "bad")
	disabledID := ensure(t, db, "off")
	if err := db.SetSyncDisabled(ctx, disabledID, true); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(db, fake, nil, nil, nil, Options{})
	res, err := e.RunCatchUp(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 {
		t.Errorf("total = %d, want 2 (disabled conversation excluded)", res.Total)
	}
	if len(res.Errors) != 1 || res.Errors[0].ConversationID != badID {
		t.Fatalf("errors = %+v, want one for conversation %d", res.Errors, badID)
	}
	if res.Processed != 2 || res.MessagesSynced != 2 {
		t.Errorf("result = %+v", res)
	}
	if n := countMessages(t, db, okID); n != 2 {
		t.Errorf("got %d messages, want 2", n)
	}

	// Asking for a disabled conversation explicitly skips it.
	res, err = e.RunCatchUp(ctx, &disabledID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 {
		t.Errorf("explicit disabled result = %+v", res)
	}
}

func TestCatchUpUnknownConversation(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, platformtest.New(), nil, nil, nil, Options{})
	id := int64(404)
	if _, err := e.RunCatchUp(context.Background(), &id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want store.ErrNotFound", err)
	}
}

func newController(t *testing.T, db *store.DB, pc platform.Client) *Controller {
	t.Helper()
	e := NewEngine(db, pc, nil, nil, nil, Options{})
	c := NewController(e, db, lock.NewManager(db, lock.Options{}, nil), "worker-a", nil)
	t.Cleanup(c.Close)
	return c
}

func TestControllerGlobalRun(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	fake.AddHistory("1", msgs(1, 2)...)
	fake.AddHistory("2", msgs(1)...)
	ensure(t, db, "1")
	ensure(t, db, "2")

	c := newController(t, db, fake)
	run, err := c.StartGlobal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunRunning || run.Total != 2 {
		t.Errorf("started run = %+v", run)
	}
	c.Wait()

	got, err := db.LatestRun(ctx, store.RunGlobal)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunCompleted || got.Processed != 2 || got.MessagesSynced != 3 {
		t.Errorf("finished run = %+v", got)
	}
	if got.FinishedAt == 0 {
		t.Error("finished_at not set")
	}
	if _, held, _ := lock.NewManager(db, lock.Options{}, nil).Holder(ctx, lock.TypeGlobalSync); held {
		t.Error("global lock still held after run")
	}
}

func TestControllerRejectsConcurrentRun(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ensure(t, db, "1")

	other := lock.NewManager(db, lock.Options{}, nil)
	if ok, err := other.Acquire(ctx, lock.TypeGlobalSync, "worker-b"); err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}

	c := newController(t, db, platformtest.New())
	if _, err := c.StartGlobal(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("StartGlobal err = %v, want ErrAlreadyRunning", err)
	}
	// A single-conversation sync uses its own lock.
	id := conversation(t, db, "1").ID
	if _, err := c.StartSingle(ctx, id); err != nil {
		t.Errorf("StartSingle err = %v", err)
	}
	c.Wait()

	if _, err := c.StartSingle(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("StartSingle(unknown) err = %v, want store.ErrNotFound", err)
	}
}

func TestControllerCancelNotRunning(t *testing.T) {
	db := testDB(t)
	c := newController(t, db, platformtest.New())
	if err := c.CancelGlobal(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("CancelGlobal err = %v, want ErrNotRunning", err)
	}
}

func TestControllerCancelIsCooperative(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	for _, chat := range []string{"1", "2", "3"} {
		fake.AddHistory(chat, msgs(1)...)
		ensure(t, db, chat)
	}
	gated := &gatedHistory{Fake: fake, entered: make(chan struct{}), release: make(chan struct{})}

	c := newController(t, db, gated)
	if _, err := c.StartGlobal(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never fetched history")
	}
	if err := c.CancelGlobal(ctx); err != nil {
		t.Fatal(err)
	}
	close(gated.release)
	c.Wait()

	run, err := db.LatestRun(ctx, store.RunGlobal)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunCancelled {
		t.Errorf("status = %q, want cancelled", run.Status)
	}
	// The in-flight conversation completes before the run stops.
	if run.Processed != 1 || run.MessagesSynced != 1 || run.Total != 3 {
		t.Errorf("run = %+v", run)
	}
}

func TestDiscoverer(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	fake.AddDialog(platform.Dialog{ChatID: "1", Title: "Alice", Type: "private"})
	fake.AddDialog(platform.Dialog{ChatID: "2", Title: "Team", Type: "supergroup"})
	ensure(t, db, "2")

	d := NewDiscoverer(NewEngine(db, fake, nil, nil, nil, Options{}), time.Hour, nil)
	res, err := d.Discover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dialogs != 2 || res.Added != 1 {
		t.Errorf("result = %+v, want 2 dialogs, 1 added", res)
	}
	if c := conversation(t, db, "2"); c.Title != "Team" || c.Type != "supergroup" {
		t.Errorf("known conversation not refreshed: %+v", c)
	}
	if c := conversation(t, db, "1"); c.Title != "Alice" {
		t.Errorf("new conversation title = %q", c.Title)
	}
}
