package redislockout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, maxFailures int, window time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cl.Close() })

	return NewWithClient(cl, Config{MaxFailures: maxFailures, Window: window}), mr
}

func TestLockAfterMaxFailures(t *testing.T) {
	s, _ := newTestStore(t, 2, time.Minute)
	ctx := context.Background()

	if _, err := s.RecordFailure(ctx, "root"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if locked, _ := s.IsLocked(ctx, "root"); locked {
		t.Fatal("locked after 1 failure, threshold is 2")
	}

	n, err := s.RecordFailure(ctx, "root")
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 failures, got %d", n)
	}
	locked, err := s.IsLocked(ctx, "root")
	if err != nil {
		t.Fatalf("IsLocked failed: %v", err)
	}
	if !locked {
		t.Fatal("expected lock at the threshold")
	}
}

func TestResetClearsCount(t *testing.T) {
	s, _ := newTestStore(t, 1, time.Minute)
	ctx := context.Background()

	if _, err := s.RecordFailure(ctx, "root"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := s.Reset(ctx, "root"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if locked, _ := s.IsLocked(ctx, "root"); locked {
		t.Fatal("reset key should not be locked")
	}
}

func TestWindowExpiry(t *testing.T) {
	s, mr := newTestStore(t, 1, time.Minute)
	ctx := context.Background()

	if _, err := s.RecordFailure(ctx, "root"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	// miniredis advances TTLs manually.
	mr.FastForward(2 * time.Minute)
	if locked, _ := s.IsLocked(ctx, "root"); locked {
		t.Fatal("lock should lapse after the window")
	}
}

func TestUnknownKeyNotLocked(t *testing.T) {
	s, _ := newTestStore(t, 1, time.Minute)
	if locked, err := s.IsLocked(context.Background(), "ghost"); err != nil || locked {
		t.Fatalf("unknown key: locked=%v err=%v", locked, err)
	}
}
