package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type outcome struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

func newRedisLog(t *testing.T) (*RedisLog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLog(client, time.Hour), mr
}

func logs(t *testing.T) map[string]Log {
	redisLog, _ := newRedisLog(t)
	return map[string]Log{"redis": redisLog, "memory": NewMemoryLog(time.Hour)}
}

func TestStepRunsOnceAndReplays(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			calls := 0
			fn := func(context.Context) (outcome, error) {
				calls++
				return outcome{Value: "ran", Count: calls}, nil
			}

			first, err := Step(ctx, log, 7, "execute", fn)
			if err != nil {
				t.Fatalf("first run: %v", err)
			}
			second, err := Step(ctx, log, 7, "execute", fn)
			if err != nil {
				t.Fatalf("second run: %v", err)
			}
			if calls != 1 {
				t.Fatalf("step ran %d times, want 1", calls)
			}
			if first != second || second.Count != 1 {
				t.Fatalf("replayed value differs: %+v vs %+v", first, second)
			}

			// Another submission has its own record.
			if _, err := Step(ctx, log, 8, "execute", fn); err != nil || calls != 2 {
				t.Fatalf("unexpected isolation failure: calls=%d err=%v", calls, err)
			}
		})
	}
}

func TestStepErrorIsNotRecorded(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")
			if _, err := Step(ctx, log, 1, "save", func(context.Context) (bool, error) { return false, boom }); !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}
			ran := false
			if _, err := Step(ctx, log, 1, "save", func(context.Context) (bool, error) { ran = true; return true, nil }); err != nil {
				t.Fatalf("retry: %v", err)
			}
			if !ran {
				t.Fatal("failed step was treated as completed")
			}
		})
	}
}

func TestClaimIsExclusive(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := log.Claim(ctx, 3, "send-webhook")
			if err != nil || !first {
				t.Fatalf("first claim: %v %v", first, err)
			}
			second, err := log.Claim(ctx, 3, "send-webhook")
			if err != nil || second {
				t.Fatalf("second claim should lose: %v %v", second, err)
			}
			other, _ := log.Claim(ctx, 4, "send-webhook")
			if !other {
				t.Fatal("claims leaked across submissions")
			}
		})
	}
}

func TestRedisLogKeysExpire(t *testing.T) {
	log, mr := newRedisLog(t)
	ctx := context.Background()
	if err := log.Save(ctx, 9, "fetch-submission", []byte(`{}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("judge:step:9:fetch-submission") {
		t.Fatal("checkpoint key missing")
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := log.Load(ctx, 9, "fetch-submission"); ok {
		t.Fatal("checkpoint should have expired")
	}
}

func TestStepSurvivesStoreOutage(t *testing.T) {
	log, mr := newRedisLog(t)
	mr.Close()

	calls := 0
	v, err := Step(context.Background(), log, 1, "execute", func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || v != 42 || calls != 1 {
		t.Fatalf("step should run without a checkpoint store: v=%d calls=%d err=%v", v, calls, err)
	}
}

func TestStepDiscardsCorruptCheckpoint(t *testing.T) {
	log := NewMemoryLog(0)
	ctx := context.Background()
	_ = log.Save(ctx, 1, "execute", []byte("not json"))

	v, err := Step(ctx, log, 1, "execute", func(context.Context) (outcome, error) {
		return outcome{Value: "fresh"}, nil
	})
	if err != nil || v.Value != "fresh" {
		t.Fatalf("expected fresh run, got %+v %v", v, err)
	}
}

func TestReleaseDropsOutputsButKeepsClaims(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = log.Save(ctx, 5, "fetch-submission", []byte(`{"id":5}`))
			_ = log.Save(ctx, 5, "execute", []byte(`{}`))
			_ = log.Save(ctx, 6, "execute", []byte(`{}`))
			if ok, _ := log.Claim(ctx, 5, "send-webhook"); !ok {
				t.Fatal("claim failed")
			}

			if err := log.Release(ctx, 5, "fetch-submission", "execute"); err != nil {
				t.Fatalf("release: %v", err)
			}
			for _, step := range []string{"fetch-submission", "execute"} {
				if _, ok, _ := log.Load(ctx, 5, step); ok {
					t.Fatalf("%s output still held after release", step)
				}
			}
			if _, ok, _ := log.Load(ctx, 6, "execute"); !ok {
				t.Fatal("release touched another submission")
			}
			if again, _ := log.Claim(ctx, 5, "send-webhook"); again {
				t.Fatal("release must not drop the webhook claim")
			}
		})
	}
}

func TestMemoryLogEntriesExpire(t *testing.T) {
	log := NewMemoryLog(time.Hour)
	now := time.Unix(1_000_000, 0)
	log.now = func() time.Time { return now }
	ctx := context.Background()

	_ = log.Save(ctx, 1, "fetch-submission", []byte(`{}`))
	_, _ = log.Claim(ctx, 1, "send-webhook")
	if steps, claims := log.Len(); steps != 1 || claims != 1 {
		t.Fatalf("unexpected sizes: %d %d", steps, claims)
	}

	now = now.Add(2 * time.Hour)
	if _, ok, _ := log.Load(ctx, 1, "fetch-submission"); ok {
		t.Fatal("expired checkpoint still readable")
	}
	// The next write sweeps everything that expired.
	_ = log.Save(ctx, 2, "fetch-submission", []byte(`{}`))
	if steps, claims := log.Len(); steps != 1 || claims != 0 {
		t.Fatalf("expired entries not released: steps=%d claims=%d", steps, claims)
	}
	if ok, _ := log.Claim(ctx, 1, "send-webhook"); !ok {
		t.Fatal("expired claim should be claimable again")
	}
}
