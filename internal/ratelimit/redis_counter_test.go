package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupCounter(t *testing.T) (*DailyCounter, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewDailyCounter(client, "submit"), s
}

func TestTakeStopsAtLimit(t *testing.T) {
	counter, _ := setupCounter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, err := counter.Take(ctx, "user-1", 3)
		if err != nil {
			t.Fatalf("Take %d failed: %v", i, err)
		}
		if count != i {
			t.Errorf("expected count %d, got %d", i, count)
		}
	}
	if _, err := counter.Take(ctx, "user-1", 3); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	used, err := counter.Used(ctx, "user-1")
	if err != nil {
		t.Fatalf("Used failed: %v", err)
	}
	if used != 3 {
		t.Errorf("rejected take must not increment, used = %d", used)
	}
}

func TestCountersAreIsolatedPerActorAndDay(t *testing.T) {
	counter, s := setupCounter(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return day }

	if _, err := counter.Take(ctx, "user-1", 1); err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if _, err := counter.Take(ctx, "guest-abc", 1); err != nil {
		t.Fatalf("other actor must have its own counter: %v", err)
	}
	if _, err := counter.Take(ctx, "user-1", 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	if ttl := s.TTL("quota:submit:user-1:2026-03-01"); ttl <= 0 {
		t.Errorf("expected counter key to expire, ttl = %v", ttl)
	}

	counter.now = func() time.Time { return day.Add(2 * time.Hour) }
	if _, err := counter.Take(ctx, "user-1", 1); err != nil {
		t.Fatalf("next day must start a fresh counter: %v", err)
	}
}

func TestReleaseAndDisabledLimit(t *testing.T) {
	counter, _ := setupCounter(t)
	ctx := context.Background()

	if _, err := counter.Take(ctx, "user-1", 1); err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if err := counter.Release(ctx, "user-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := counter.Take(ctx, "user-1", 1); err != nil {
		t.Fatalf("released unit must be available again: %v", err)
	}
	if err := counter.Release(ctx, "nobody"); err != nil {
		t.Fatalf("Release on missing key failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := counter.Take(ctx, "user-2", 0); err != nil {
			t.Fatalf("zero limit must not restrict: %v", err)
		}
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "not-a-url://"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}
