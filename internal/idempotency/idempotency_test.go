package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

func testResult() model.ActResult {
	return model.ActResult{Instance: model.WorkflowInstance{
		ID:      "inst-1",
		Status:  model.StatusInProgress,
		Version: 3,
		History: []model.HistoryEntry{{Step: 0, Action: model.ActionApprove, ActorID: "mgr-3"}},
	}}
}

func stores(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestStore_checkMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			res, found, err := s.Check(context.Background(), "idem:act:i:k", "h")
			if err != nil || found || res != nil {
				t.Errorf("Check() = %v, %v, %v; want nil, false, nil", res, found, err)
			}
		})
	}
}

func TestStore_saveAndCheck(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Save(ctx, "k", "h", testResult(), time.Minute); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			res, found, err := s.Check(ctx, "k", "h")
			if err != nil || !found {
				t.Fatalf("Check() found=%v err=%v", found, err)
			}
			if res.Instance.Version != 3 || len(res.Instance.History) != 1 {
				t.Errorf("result = %+v", res.Instance)
			}
		})
	}
}

func TestStore_conflictOnDifferentInput(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Save(ctx, "k", "h1", testResult(), time.Minute)
			_, found, err := s.Check(ctx, "k", "h2")
			if !found {
				t.Error("found = false, want true")
			}
			if !model.IsCode(err, model.ErrConflict) {
				t.Errorf("error = %v, want CONFLICT", err)
			}
		})
	}
}

func TestMemoryStore_expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Save(ctx, "k", "h", testResult(), time.Minute)
	now = now.Add(2 * time.Minute)

	if _, found, _ := s.Check(ctx, "k", "h"); found {
		t.Error("expired entry should not be found")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expiry", s.Len())
	}
}

func TestRedisStore_expiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client)
	ctx := context.Background()

	s.Save(ctx, "k", "h", testResult(), time.Minute)
	mr.FastForward(2 * time.Minute)

	if _, found, _ := s.Check(ctx, "k", "h"); found {
		t.Error("expired entry should not be found")
	}
}

func TestHashInput(t *testing.T) {
	one, two := 1, 2
	base := HashInput("mgr-3", model.ActionApprove, "ok", &one)

	if base != HashInput("mgr-3", model.ActionApprove, "ok", &one) {
		t.Error("hash is not deterministic")
	}
	variants := []string{
		HashInput("mgr-4", model.ActionApprove, "ok", &one),
		HashInput("mgr-3", model.ActionReject, "ok", &one),
		HashInput("mgr-3", model.ActionApprove, "ok!", &one),
		HashInput("mgr-3", model.ActionApprove, "ok", &two),
		HashInput("mgr-3", model.ActionApprove, "ok", nil),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d hashes equal to base", i)
		}
	}
}

func TestFormatKey(t *testing.T) {
	if got := FormatKey("inst-1", "abc"); got != "idem:act:inst-1:abc" {
		t.Errorf("FormatKey() = %q", got)
	}
}

func TestGuard(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	g := NewGuard(NewMemoryStore(), time.Minute, m, nil)
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (model.ActResult, error) {
		calls++
		return testResult(), nil
	}

	_, replayed, err := g.Do(ctx, "k", "h", fn)
	if err != nil || replayed {
		t.Fatalf("first Do() replayed=%v err=%v", replayed, err)
	}
	res, replayed, err := g.Do(ctx, "k", "h", fn)
	if err != nil || !replayed {
		t.Fatalf("second Do() replayed=%v err=%v", replayed, err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
	if res.Instance.ID != "inst-1" {
		t.Errorf("replayed result = %+v", res)
	}
	if v := testutil.ToFloat64(m.IdempotentReplaysTotal); v != 1 {
		t.Errorf("replays = %v, want 1", v)
	}

	if _, _, err := g.Do(ctx, "k", "other", fn); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("Do() with different input error = %v, want CONFLICT", err)
	}
}

func TestGuard_failuresAreNotRemembered(t *testing.T) {
	g := NewGuard(NewMemoryStore(), time.Minute, nil, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	if _, _, err := g.Do(ctx, "k", "h", func(context.Context) (model.ActResult, error) {
		return model.ActResult{}, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want boom", err)
	}

	_, replayed, err := g.Do(ctx, "k", "h", func(context.Context) (model.ActResult, error) {
		return testResult(), nil
	})
	if err != nil || replayed {
		t.Errorf("retry after failure: replayed=%v err=%v", replayed, err)
	}
}
