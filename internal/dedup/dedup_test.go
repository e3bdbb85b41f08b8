package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemorySeen(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 10)
	base := time.Now()
	m.now = func() time.Time { return base }

	if seen, _ := m.Seen(ctx, "a"); seen {
		t.Error("first Seen(a) = true")
	}
	if seen, _ := m.Seen(ctx, "a"); !seen {
		t.Error("second Seen(a) = false")
	}

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	if seen, _ := m.Seen(ctx, "a"); seen {
		t.Error("Seen(a) after ttl = true")
	}

	_ = m.Forget(ctx, "a")
	if seen, _ := m.Seen(ctx, "a"); seen {
		t.Error("Seen(a) after Forget = true")
	}
}

func TestMemoryBounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour, 3)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if _, err := m.Seen(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	if len(m.keys) > 3 {
		t.Errorf("kept %d keys, max 3", len(m.keys))
	}
}

func TestRedisSeen(t *testing.T) {
	s := miniredis.RunT(t)
	ctx := context.Background()

	r, err := NewRedis(ctx, "redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if seen, err := r.Seen(ctx, "evt-1"); err != nil || seen {
		t.Fatalf("first Seen = %v, %v", seen, err)
	}
	if seen, err := r.Seen(ctx, "evt-1"); err != nil || !seen {
		t.Fatalf("second Seen = %v, %v", seen, err)
	}
	if !s.Exists("tgcrm:dedup:evt-1") {
		t.Error("key not stored under prefix")
	}

	s.FastForward(2 * time.Minute)
	if seen, _ := r.Seen(ctx, "evt-1"); seen {
		t.Error("Seen after ttl = true")
	}

	if err := r.Forget(ctx, "evt-1"); err != nil {
		t.Fatal(err)
	}
	if seen, _ := r.Seen(ctx, "evt-1"); seen {
		t.Error("Seen after Forget = true")
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedis(ctx, "redis://"+addr, time.Minute); err == nil {
		t.Error("NewRedis() against closed server should fail")
	}
}
