package db

import (
	"context"
	"os"
	"testing"
	"time"

	"pastevault/cfg"
	"pastevault/pkg/domain"
	"pastevault/svc/util"
)

// newTestRedis needs a disposable server; set REDIS_TEST_URL to run.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	r, err := NewRedis(url, &cfg.Cfg{RedisTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisPasteCache(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	id := util.NewRequestID()[:6]
	p := &domain.Paste{ID: id, Content: "cached", CreatedAt: time.Now().UTC(), PasswordHash: domain.Some("h")}
	if err := r.CachePaste(ctx, p, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetPaste(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Content != "cached" || !got.HasPassword() {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if err := r.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.GetPaste(ctx, id); got != nil {
		t.Error("entry survived delete")
	}
}

func TestRedisRateLimitDoesNotCountDenials(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:" + util.NewRequestID()
	for i := 1; i <= 3; i++ {
		res, err := r.RateLimit(ctx, key, 3, time.Minute)
		if err != nil || !res.Allowed || res.Count != i {
			t.Fatalf("call %d: %+v %v", i, res, err)
		}
	}
	for i := 0; i < 5; i++ {
		res, err := r.RateLimit(ctx, key, 3, time.Minute)
		if err != nil || res.Allowed || res.Count != 3 {
			t.Fatalf("denied call %d: %+v %v", i, res, err)
		}
		if res.ResetIn <= 0 || res.ResetIn > time.Minute {
			t.Errorf("reset = %v", res.ResetIn)
		}
	}
}

func TestRedisDenylist(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	jti := util.NewRequestID()
	if ok, err := r.Denied(ctx, jti); err != nil || ok {
		t.Fatalf("fresh id: %v %v", ok, err)
	}
	if err := r.Deny(ctx, jti, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.Denied(ctx, jti); !ok {
		t.Error("id should be denied")
	}
	if err := r.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestRedisDenylistClaim(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	jti := util.NewRequestID()
	until := time.Now().Add(time.Minute)
	won, err := r.Claim(ctx, jti, until)
	if err != nil || !won {
		t.Fatalf("first claim: %v %v", won, err)
	}
	if won, _ := r.Claim(ctx, jti, until); won {
		t.Error("second claim of the same id won")
	}
	if ok, _ := r.Denied(ctx, jti); !ok {
		t.Error("claimed id should be denied")
	}
}
