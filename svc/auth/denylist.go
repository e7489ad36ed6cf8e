package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"pastevault/metrics"
	"pastevault/svc/util"
)

// Denylist records revoked token ids until the token would have expired
// anyway. Implementations live here (memory) and in svc/db (redis, bolt).
type Denylist interface {
	Deny(ctx context.Context, jti string, until time.Time) error
	Denied(ctx context.Context, jti string) (bool, error)
	// Claim denies jti and reports whether this call was the one that did,
	// atomically with respect to other Claim and Deny calls.
	Claim(ctx context.Context, jti string, until time.Time) (bool, error)
}

const defaultDenylistSize = 100000

var ErrDenylistFull = errors.New("token denylist is full")

// MemDenylist holds at most size live entries. When full it first drops
// entries whose token has lapsed and otherwise refuses the new entry, so a
// revocation is never silently pushed out by a newer one.
type MemDenylist struct {
	mu   sync.Mutex
	lru  *expirable.LRU[string, time.Time]
	size int
	now  func() time.Time
}

// NewMemDenylist keeps at most size entries, each for at most maxTTL. maxTTL
// should be the longest token lifetime.
func NewMemDenylist(size int, maxTTL time.Duration) *MemDenylist {
	if size <= 0 {
		size = defaultDenylistSize
	}
	return &MemDenylist{
		lru:  expirable.NewLRU[string, time.Time](size, nil, maxTTL),
		size: size,
		now:  time.Now,
	}
}

func (m *MemDenylist) Deny(_ context.Context, jti string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(jti, until)
}

func (m *MemDenylist) Denied(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.denied(jti), nil
}

func (m *MemDenylist) Claim(_ context.Context, jti string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied(jti) {
		return false, nil
	}
	if err := m.add(jti, until); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemDenylist) denied(jti string) bool {
	until, ok := m.lru.Peek(jti)
	return ok && m.now().Before(until)
}

func (m *MemDenylist) add(jti string, until time.Time) error {
	now := m.now()
	if !until.After(now) {
		return nil
	}
	if !m.lru.Contains(jti) && m.lru.Len() >= m.size && m.prune(now) == 0 {
		metrics.DenylistRejected.Inc()
		util.Error().Int("size", m.size).Msg("token denylist full, refusing revocation")
		return ErrDenylistFull
	}
	m.lru.Add(jti, until)
	return nil
}

// prune drops entries whose token has expired on its own.
func (m *MemDenylist) prune(now time.Time) int {
	n := 0
	for _, k := range m.lru.Keys() {
		if until, ok := m.lru.Peek(k); ok && !now.Before(until) {
			m.lru.Remove(k)
			n++
		}
	}
	return n
}
