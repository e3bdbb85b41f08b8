package sync

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/tgcrm/internal/lock"
	"github.com/matheus3301/tgcrm/internal/platform/platformtest"
	"github.com/matheus3301/tgcrm/internal/status"
	"github.com/matheus3301/tgcrm/internal/store"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func startListener(t *testing.T, db *store.DB, fake *platformtest.Fake, workerID string) (*Listener, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	e := NewEngine(db, fake, nil, nil, nil, Options{})
	locks := lock.NewManager(db, lock.Options{}, nil)
	l := NewListener(e, locks, workerID, status.NewMachine(nil), nil, ListenerOptions{
		Backoff:     10 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
		StandbyPoll: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, cancel, done
}

func TestListenerCatchesUpThenStreams(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	fake.AddHistory("42", msgs(1, 2)...)
	id := ensure(t, db, "42")

	l, cancel, done := startListener(t, db, fake, "worker-a")
	waitFor(t, "live state", func() bool { return l.Machine().Current() == status.Live })
	if n := countMessages(t, db, id); n != 2 {
		t.Errorf("got %d messages after catch-up, want 2", n)
	}

	fake.Emit(newMessage("42", 3, "live"))
	waitFor(t, "live message", func() bool {
		_, err := db.GetMessageByExternalID(ctx, id, 3)
		return err == nil
	})

	holder, held, err := lock.NewManager(db, lock.Options{}, nil).Holder(ctx, lock.TypeListener)
	if err != nil || !held || holder.WorkerID != "worker-a" {
		t.Errorf("listener lock holder = %+v, %v, %v", holder, held, err)
	}

	cancel()
	<-done
	if got := l.Machine().Current(); got != status.Stopped {
		t.Errorf("state after cancel = %s, want STOPPED", got)
	}
	if _, held, _ := lock.NewManager(db, lock.Options{}, nil).Holder(ctx, lock.TypeListener); held {
		t.Error("listener lock still held after stop")
	}
}

func TestListenerReconnects(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	id := ensure(t, db, "42")

	l, _, _ := startListener(t, db, fake, "worker-a")
	if !fake.WaitSubscribed(5 * time.Second) {
		t.Fatal("never subscribed")
	}
	waitFor(t, "live state", func() bool { return l.Machine().Current() == status.Live })

	// Messages that arrive while disconnected come back through catch-up.
	fake.AddHistory("42", msgs(10)...)
	fake.Disconnect()
	if !fake.WaitSubscribed(5 * time.Second) {
		t.Fatal("never resubscribed")
	}
	waitFor(t, "backfilled message", func() bool {
		_, err := db.GetMessageByExternalID(ctx, id, 10)
		return err == nil
	})
}

func TestListenerStandbyWhileLockHeld(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	other := lock.NewManager(db, lock.Options{}, nil)
	if ok, _ := other.Acquire(ctx, lock.TypeListener, "worker-b"); !ok {
		t.Fatal("could not take listener lock")
	}

	fake := platformtest.New()
	l, _, _ := startListener(t, db, fake, "worker-a")
	waitFor(t, "standby state", func() bool { return l.Machine().Current() == status.Standby })
	if got := fake.Calls("subscribe"); got != 0 {
		t.Errorf("standby worker subscribed %d times", got)
	}

	if err := other.Release(ctx, lock.TypeListener, "worker-b"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "takeover", func() bool { return l.Machine().Current() == status.Live })
}

func TestListenerRecordsReconnectRun(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	fake := platformtest.New()
	fake.AddHistory("42", msgs(1, 2)...)
	ensure(t, db, "42")

	l, _, _ := startListener(t, db, fake, "worker-a")
	waitFor(t, "live state", func() bool { return l.Machine().Current() == status.Live })

	run, err := db.LatestRun(ctx, store.RunReconnect)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunCompleted || run.WorkerID != "worker-a" {
		t.Errorf("reconnect run = %+v", run)
	}
	if run.Total != 1 || run.Processed != 1 || run.MessagesSynced != 2 {
		t.Errorf("reconnect progress = %d/%d, %d messages", run.Processed, run.Total, run.MessagesSynced)
	}
}
