package lim

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"pastevault/metrics"
	"pastevault/svc/db"
	"pastevault/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	redisTimeout    = 100 * time.Millisecond
)

type Kind string

const (
	KindCreate Kind = "create"
	KindRead   Kind = "read"
	KindAuth   Kind = "auth"
)

// Counter is a shared fixed-window counter, normally *db.Redis.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (db.WindowResult, error)
}

type Opts struct {
	CreatePerWindow int
	ReadPerWindow   int
	Window          time.Duration
	AuthPerMinute   int
	AuthBurst       int
	Shared          Counter
	CleanupInterval time.Duration
	Now             func() time.Time
}

// Limiter enforces fixed-window quotas per client and kind. A denied call
// never consumes quota. Counters live in Shared when configured, with the
// local map as fallback when it errors.
type Limiter struct {
	opts        Opts
	shared      Counter
	now         func() time.Time
	mu          sync.Mutex
	windows     map[string]*windowEntry
	auth        map[string]*limiterEntry
	evictionSem chan struct{}
	quit        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}
type windowEntry struct {
	count      int
	start      time.Time
	lastAccess time.Time
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(o Opts) *Limiter {
	if o.CreatePerWindow <= 0 {
		o.CreatePerWindow = 10
	}
	if o.ReadPerWindow <= 0 {
		o.ReadPerWindow = 100
	}
	if o.Window <= 0 {
		o.Window = time.Hour
	}
	if o.AuthPerMinute <= 0 {
		o.AuthPerMinute = 10
	}
	if o.AuthBurst <= 0 {
		o.AuthBurst = 5
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = cleanupInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	l := &Limiter{
		opts:        o,
		shared:      o.Shared,
		now:         o.Now,
		windows:     make(map[string]*windowEntry),
		auth:        make(map[string]*limiterEntry),
		evictionSem: make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
	l.wg.Add(1)
	go l.cleanupLoop()
	return l
}

func (l *Limiter) AllowCreation(ctx context.Context, client string) Result {
	return l.allow(ctx, KindCreate, client, l.opts.CreatePerWindow)
}
func (l *Limiter) AllowRetrieval(ctx context.Context, client string) Result {
	return l.allow(ctx, KindRead, client, l.opts.ReadPerWindow)
}

func (l *Limiter) allow(ctx context.Context, kind Kind, client string, limit int) Result {
	key := string(kind) + ":" + client
	var res Result
	if l.shared != nil {
		var ok bool
		res, ok = l.allowShared(ctx, key, limit)
		if !ok {
			res = l.allowLocal(key, limit)
		}
	} else {
		res = l.allowLocal(key, limit)
	}
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(string(kind)).Inc()
		util.Debug().Str("kind", string(kind)).Str("ip", util.RedactIP(client)).Msg("Rate limit exceeded")
	}
	return res
}
func (l *Limiter) allowShared(ctx context.Context, key string, limit int) (Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	wr, err := l.shared.RateLimit(ctx, key, limit, l.opts.Window)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		return Result{}, false
	}
	remaining := limit - wr.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   wr.Allowed,
		Limit:     limit,
		Remaining: remaining,
		Reset:     l.now().Add(wr.ResetIn),
	}, true
}
func (l *Limiter) allowLocal(key string, limit int) Result {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeEvictLocked(len(l.windows))
	e, ok := l.windows[key]
	if !ok {
		if len(l.windows) >= maxLimiters {
			util.Warn().Int("limiters", len(l.windows)).Msg("rate limiter at capacity, rejecting request")
			return Result{Allowed: false, Limit: limit, Reset: now.Add(l.opts.Window)}
		}
		e = &windowEntry{start: now}
		l.windows[key] = e
	}
	e.lastAccess = now
	if !now.Before(e.start.Add(l.opts.Window)) {
		e.start = now
		e.count = 0
	}
	reset := e.start.Add(l.opts.Window)
	if e.count >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, Reset: reset}
	}
	e.count++
	return Result{Allowed: true, Limit: limit, Remaining: limit - e.count, Reset: reset}
}

// AllowAuth throttles login, registration and refresh with a token bucket
// so password guessing is smoothed rather than allowed in hourly bursts.
func (l *Limiter) AllowAuth(client string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.auth[client]
	if !ok {
		if len(l.auth) >= maxLimiters {
			return false
		}
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.opts.AuthPerMinute)/60.0), l.opts.AuthBurst),
		}
		l.auth[client] = e
	}
	e.lastAccess = now
	if !e.limiter.AllowN(now, 1) {
		metrics.RateLimitHits.WithLabelValues(string(KindAuth)).Inc()
		return false
	}
	return true
}

// maybeEvictLocked starts an async oldest-first eviction when the local map
// nears capacity. At most one eviction runs at a time.
func (l *Limiter) maybeEvictLocked(size int) {
	if size < (maxLimiters*9)/10 {
		return
	}
	toEvict := size / 10
	if toEvict == 0 {
		return
	}
	select {
	case l.evictionSem <- struct{}{}:
		go func() {
			defer func() { <-l.evictionSem }()
			l.evictOldest(toEvict)
		}()
	default:
	}
}
func (l *Limiter) evictOldest(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	entries := make([]kv, 0, len(l.windows))
	for k, v := range l.windows {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.windows[entries[i].key]; exists {
			delete(l.windows, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.quit:
			return
		}
	}
}

// Sweep drops clients idle for longer than a full window; their counters
// would have reset anyway.
func (l *Limiter) Sweep() int {
	now := l.now()
	authIdle := time.Minute * time.Duration(1+l.opts.AuthBurst)
	l.mu.Lock()
	evicted := 0
	for key, e := range l.windows {
		if now.Sub(e.lastAccess) >= l.opts.Window {
			delete(l.windows, key)
			evicted++
		}
	}
	for key, e := range l.auth {
		if now.Sub(e.lastAccess) >= authIdle {
			delete(l.auth, key)
			evicted++
		}
	}
	remaining := len(l.windows) + len(l.auth)
	l.mu.Unlock()
	metrics.LimiterClients.Set(float64(remaining))
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
	return evicted
}

// Stop ends the cleanup loop and waits for it. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	l.wg.Wait()
}
