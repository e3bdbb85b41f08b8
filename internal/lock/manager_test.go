package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/tgcrm/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAcquireSingleHolder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := NewManager(db, Options{}, nil)

	workers := []string{"w1", "w2", "w3", "w4"}
	var (
		mu      sync.Mutex
		winners []string
		wg      sync.WaitGroup
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			ok, err := m.Acquire(ctx, TypeGlobalSync, w)
			if err != nil {
				t.Errorf("Acquire(%s) error = %v", w, err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, w)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	holder, held, err := m.Holder(ctx, TypeGlobalSync)
	if err != nil || !held || holder.WorkerID != winners[0] {
		t.Errorf("Holder() = %+v held=%v err=%v, want %s", holder, held, err, winners[0])
	}
}

func TestAcquireReentrant(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := NewManager(db, Options{}, nil)

	for i := 0; i < 2; i++ {
		ok, err := m.Acquire(ctx, TypeListener, "w1")
		if err != nil || !ok {
			t.Fatalf("Acquire #%d = %v, %v", i, ok, err)
		}
	}
}

func TestStaleLockTakeover(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := time.Now()
	a := NewManager(db, Options{StaleAfter: time.Minute}, nil)
	a.now = func() time.Time { return base }
	b := NewManager(db, Options{StaleAfter: time.Minute}, nil)

	if ok, _ := a.Acquire(ctx, TypeGlobalSync, "w1"); !ok {
		t.Fatal("w1 should acquire")
	}

	// Within the staleness window the lock is denied without error.
	b.now = func() time.Time { return base.Add(30 * time.Second) }
	ok, err := b.Acquire(ctx, TypeGlobalSync, "w2")
	if err != nil || ok {
		t.Fatalf("fresh lock: ok=%v err=%v, want false nil", ok, err)
	}

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	ok, err = b.Acquire(ctx, TypeGlobalSync, "w2")
	if err != nil || !ok {
		t.Fatalf("stale lock: ok=%v err=%v, want true nil", ok, err)
	}

	if err := a.Heartbeat(ctx, TypeGlobalSync, "w1"); !errors.Is(err, ErrLostOwnership) {
		t.Errorf("old holder heartbeat = %v, want ErrLostOwnership", err)
	}
	if err := a.Release(ctx, TypeGlobalSync, "w1"); err != nil {
		t.Errorf("non-owner release = %v, want nil", err)
	}
	holder, held, _ := b.Holder(ctx, TypeGlobalSync)
	if !held || holder.WorkerID != "w2" {
		t.Errorf("holder = %+v, want w2", holder)
	}
}

func TestReleaseThenAcquire(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := NewManager(db, Options{}, nil)

	if ok, _ := m.Acquire(ctx, TypeSingleSync, "w1"); !ok {
		t.Fatal("w1 should acquire")
	}
	if err := m.Release(ctx, TypeSingleSync, "w1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Acquire(ctx, TypeSingleSync, "w2"); !ok {
		t.Fatal("w2 should acquire after release")
	}
}

func TestHoldCancelsOnLostOwnership(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := NewManager(db, Options{StaleAfter: time.Minute, HeartbeatEvery: 10 * time.Millisecond}, nil)
	lease, err := m.Hold(ctx, TypeListener, "w1")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lease.Release() }()

	if _, err := m.Hold(ctx, TypeListener, "w2"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second Hold err = %v, want ErrNotAcquired", err)
	}

	// Another worker judges the lock stale and takes it.
	thief := NewManager(db, Options{StaleAfter: time.Minute}, nil)
	thief.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	// A heartbeat landing between read and CAS makes the takeover lose the
	// race; try again.
	taken := false
	for i := 0; i < 100 && !taken; i++ {
		ok, err := thief.Acquire(ctx, TypeListener, "w2")
		if err != nil {
			t.Fatal(err)
		}
		taken = ok
	}
	if !taken {
		t.Fatal("takeover never succeeded")
	}

	select {
	case <-lease.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not cancelled after takeover")
	}
	if !lease.Lost() {
		t.Error("Lost() = false, want true")
	}
	if err := lease.Release(); err != nil {
		t.Errorf("Release() = %v", err)
	}
	holder, _, _ := thief.Holder(ctx, TypeListener)
	if holder == nil || holder.WorkerID != "w2" {
		t.Errorf("release by lost holder removed the new owner's row: %+v", holder)
	}
}

func TestNewWorkerIDUnique(t *testing.T) {
	if NewWorkerID() == NewWorkerID() {
		t.Error("worker ids must differ")
	}
}
