package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type fakeScorer struct {
	recomputeFn func(ctx context.Context, manuscriptID string, duplicate bool) error
}

func (f fakeScorer) Recompute(ctx context.Context, manuscriptID string, duplicate bool) error {
	return f.recomputeFn(ctx, manuscriptID, duplicate)
}

func setupRedis(t *testing.T) *redis.Client {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHTTPClientRecompute(t *testing.T) {
	var got recomputeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/manuscripts/ms_1/recompute" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", time.Second)
	if err := client.Recompute(context.Background(), "ms_1", true); err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if got.ManuscriptID != "ms_1" || !got.Duplicate {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestHTTPClientRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if err := NewHTTPClient(server.URL, time.Second).Recompute(context.Background(), "ms_1", false); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestRequestParksFailures(t *testing.T) {
	client := setupRedis(t)
	failing := fakeScorer{recomputeFn: func(context.Context, string, bool) error { return errors.New("down") }}
	d := NewDispatcher(failing, client, nil, nil, zap.NewNop())

	d.Request(context.Background(), "ms_1", false)
	d.Request(context.Background(), "ms_1", false)

	pending, err := d.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0] != "ms_1" {
		t.Fatalf("pending = %v, want [ms_1]", pending)
	}
}

func TestRequestSuccessLeavesNothingPending(t *testing.T) {
	client := setupRedis(t)
	ok := fakeScorer{recomputeFn: func(context.Context, string, bool) error { return nil }}
	d := NewDispatcher(ok, client, nil, nil, zap.NewNop())

	d.Request(context.Background(), "ms_1", true)
	pending, _ := d.Pending(context.Background())
	if len(pending) != 0 {
		t.Fatalf("pending = %v, want none", pending)
	}
}

func TestSweep(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	client.SAdd(ctx, retryKey, "ms_ok", "ms_gone", "ms_fail")

	calls := map[string]bool{}
	scorer := fakeScorer{recomputeFn: func(_ context.Context, id string, duplicate bool) error {
		calls[id] = duplicate
		if id == "ms_fail" {
			return errors.New("still down")
		}
		return nil
	}}
	lookup := func(_ context.Context, id string) (bool, error) {
		if id == "ms_gone" {
			return false, sql.ErrNoRows
		}
		return id == "ms_ok", nil
	}
	d := NewDispatcher(scorer, client, lookup, nil, zap.NewNop())

	done, err := d.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if done != 1 {
		t.Fatalf("done = %d, want 1", done)
	}
	if !calls["ms_ok"] {
		t.Error("duplicate flag must be re-read for the retry")
	}
	if _, called := calls["ms_gone"]; called {
		t.Error("deleted manuscripts must not be scored")
	}
	pending, _ := d.Pending(ctx)
	if len(pending) != 1 || pending[0] != "ms_fail" {
		t.Fatalf("pending = %v, want [ms_fail]", pending)
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	d := NewDispatcher(Noop{}, setupRedis(t), nil, nil, zap.NewNop())
	if _, err := d.Schedule("not a spec"); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	scheduler, err := d.Schedule("@every 1h")
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	scheduler.Stop()
}
