package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"pastevault/pkg/domain"
)

const maxEntries = 100000

// LRU is the in-process first tier of the read path. Entries carry their
// own deadline; a paste never outlives its expiry in the cache.
type LRU struct {
	c   *lru.Cache[string, item]
	mu  sync.Mutex
	now func() time.Time
}
type item struct {
	paste *domain.Paste
	exp   time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxEntries {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, now: time.Now}, nil
}
func (l *LRU) Get(ctx context.Context, id string) *domain.Paste {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	if !l.now().Before(it.exp) {
		l.c.Remove(id)
		return nil
	}
	return it.paste
}

// Set stores p for at most maxTTL, cut short by the paste's own expiry.
func (l *LRU) Set(p *domain.Paste, maxTTL time.Duration) {
	now := l.now()
	ttl := TTLFor(p, maxTTL, now)
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(p.ID, item{
		paste: p,
		exp:   now.Add(ttl),
	})
}
func (l *LRU) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}

// TTLFor returns how long p may be cached: maxTTL, or less when the paste
// expires sooner. Zero means do not cache.
func TTLFor(p *domain.Paste, maxTTL time.Duration, now time.Time) time.Duration {
	if !p.ExpiresAt.Valid {
		return maxTTL
	}
	left := p.ExpiresAt.V.Sub(now)
	if left <= 0 {
		return 0
	}
	if left < maxTTL {
		return left
	}
	return maxTTL
}
