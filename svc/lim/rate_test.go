package lim

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pastevault/svc/db"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, o Opts) (*Limiter, *fakeClock) {
	t.Helper()
	c := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	o.Now = c.now
	l := New(o)
	t.Cleanup(l.Stop)
	return l, c
}

func (l *Limiter) clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows) + len(l.auth)
}

func TestCreationLimit(t *testing.T) {
	l, c := newTestLimiter(t, Opts{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		res := l.AllowCreation(ctx, "1.2.3.4")
		if !res.Allowed {
			t.Fatalf("creation %d denied", i+1)
		}
		if res.Remaining != 9-i || res.Limit != 10 {
			t.Errorf("creation %d: %+v", i+1, res)
		}
	}
	res := l.AllowCreation(ctx, "1.2.3.4")
	if res.Allowed {
		t.Fatal("11th creation allowed")
	}
	if !res.Reset.Equal(c.now().Add(time.Hour)) {
		t.Errorf("reset = %v", res.Reset)
	}
	if !l.AllowCreation(ctx, "5.6.7.8").Allowed {
		t.Error("other client should be unaffected")
	}
	if !l.AllowRetrieval(ctx, "1.2.3.4").Allowed {
		t.Error("retrieval quota is separate from creation quota")
	}
}

func TestDeniedCallsDoNotExtendWindow(t *testing.T) {
	l, c := newTestLimiter(t, Opts{CreatePerWindow: 2})
	ctx := context.Background()
	l.AllowCreation(ctx, "ip")
	l.AllowCreation(ctx, "ip")
	for i := 0; i < 59; i++ {
		c.advance(time.Minute)
		if l.AllowCreation(ctx, "ip").Allowed {
			t.Fatalf("allowed inside window after %d minutes", i+1)
		}
	}
	c.advance(time.Minute)
	res := l.AllowCreation(ctx, "ip")
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("new window should start fresh: %+v", res)
	}
}

func TestRetrievalLimit(t *testing.T) {
	l, _ := newTestLimiter(t, Opts{})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if !l.AllowRetrieval(ctx, "ip").Allowed {
			t.Fatalf("retrieval %d denied", i+1)
		}
	}
	if l.AllowRetrieval(ctx, "ip").Allowed {
		t.Fatal("101st retrieval allowed")
	}
}

type fakeCounter struct {
	err   error
	calls int
	res   db.WindowResult
}

func (f *fakeCounter) RateLimit(context.Context, string, int, time.Duration) (db.WindowResult, error) {
	f.calls++
	return f.res, f.err
}

func TestSharedCounterUsed(t *testing.T) {
	fc := &fakeCounter{res: db.WindowResult{Allowed: false, Count: 10, ResetIn: time.Minute}}
	l, c := newTestLimiter(t, Opts{Shared: fc})
	res := l.AllowCreation(context.Background(), "ip")
	if res.Allowed || fc.calls != 1 {
		t.Fatalf("shared verdict ignored: %+v calls=%d", res, fc.calls)
	}
	if !res.Reset.Equal(c.now().Add(time.Minute)) {
		t.Errorf("reset = %v", res.Reset)
	}
	if l.clients() != 0 {
		t.Error("local map used despite healthy shared counter")
	}
}

func TestSharedCounterFallback(t *testing.T) {
	fc := &fakeCounter{err: errors.New("connection refused")}
	l, _ := newTestLimiter(t, Opts{Shared: fc, CreatePerWindow: 1})
	ctx := context.Background()
	if !l.AllowCreation(ctx, "ip").Allowed {
		t.Fatal("fallback should allow first call")
	}
	if l.AllowCreation(ctx, "ip").Allowed {
		t.Fatal("fallback should enforce the same limit")
	}
}

func TestSweepEvictsIdleClients(t *testing.T) {
	l, c := newTestLimiter(t, Opts{})
	ctx := context.Background()
	l.AllowCreation(ctx, "old")
	l.AllowAuth("old")
	c.advance(30 * time.Minute)
	l.AllowRetrieval(ctx, "new")
	c.advance(30 * time.Minute)
	if n := l.Sweep(); n != 2 {
		t.Errorf("evicted %d, want 2", n)
	}
	if l.clients() != 1 {
		t.Errorf("clients = %d, want 1", l.clients())
	}
}

func TestAuthThrottle(t *testing.T) {
	l, c := newTestLimiter(t, Opts{AuthPerMinute: 6, AuthBurst: 2})
	if !l.AllowAuth("ip") || !l.AllowAuth("ip") {
		t.Fatal("burst should be allowed")
	}
	if l.AllowAuth("ip") {
		t.Fatal("third immediate attempt allowed")
	}
	c.advance(10 * time.Second)
	if !l.AllowAuth("ip") {
		t.Fatal("token should refill after 10s")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(Opts{CleanupInterval: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	l.Stop()
	l.Stop()
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		trust   bool
		proxies []string
		want    string
	}{
		{"no trust", "10.0.0.1:1234", "1.1.1.1", "", false, nil, "10.0.0.1"},
		{"first hop", "10.0.0.1:1234", "1.1.1.1, 2.2.2.2", "", true, nil, "1.1.1.1"},
		{"real ip", "10.0.0.1:1234", "", "3.3.3.3", true, nil, "3.3.3.3"},
		{"bad xff falls to real ip", "10.0.0.1:1234", "garbage", "3.3.3.3", true, nil, "3.3.3.3"},
		{"remote fallback", "10.0.0.1:1234", "", "", true, nil, "10.0.0.1"},
		{"untrusted peer", "9.9.9.9:1", "1.1.1.1", "", true, []string{"10.0.0.0/8"}, "9.9.9.9"},
		{"trusted peer", "10.1.2.3:1", "1.1.1.1", "", true, []string{"10.0.0.0/8"}, "1.1.1.1"},
		{"exact proxy", "192.168.1.1:1", "4.4.4.4", "", true, []string{"192.168.1.1"}, "4.4.4.4"},
		{"no port", "10.0.0.1", "", "", false, nil, "10.0.0.1"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = c.remote
			if c.xff != "" {
				r.Header.Set("X-Forwarded-For", c.xff)
			}
			if c.realIP != "" {
				r.Header.Set("X-Real-IP", c.realIP)
			}
			if got := ClientIP(r, c.trust, c.proxies); got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}
}
