package svc

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"pastevault/cfg"
	"pastevault/metrics"
	"pastevault/pkg/domain"
	"pastevault/svc/auth"
	"pastevault/svc/cache"
	"pastevault/svc/db"
	"pastevault/svc/util"
)

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 100
	// attempts at inserting when a concurrent writer takes the allocated id
	maxInsertAttempts = 2
	fillStripes       = 64
)

type CreateParams struct {
	Content  string
	Password string
	Expiry   string
	Language string
}

// UpdateParams holds the owner-editable fields; nil leaves a field as is.
type UpdateParams struct {
	Content  *string
	Language *string
	Expiry   *string
}

type ListResult struct {
	Items []domain.PasteSummary
	Total int
	Page  int
	Limit int
}

// fillGuard orders cache fills against evictions of the ids hashed to it.
// evict bumps gen; a fill whose read started under an older gen is dropped,
// so a row read before a delete or update never lands in a cache after it.
type fillGuard struct {
	mu  sync.Mutex
	gen uint64
}

func (g *fillGuard) current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

type Paste struct {
	db       *db.SQLite
	lru      *cache.LRU
	rdb      *db.Redis
	hasher   *auth.Hasher
	cfg      *cfg.Cfg
	group    singleflight.Group
	guards   [fillStripes]fillGuard
	now      func() time.Time
	shutdown atomic.Bool
	opWg     sync.WaitGroup
	// afterStoreRead runs between the store read and the cache fill.
	afterStoreRead func(id string)
}

func NewPaste(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, h *auth.Hasher, c *cfg.Cfg) *Paste {
	if sqlDB == nil || lru == nil || h == nil || c == nil {
		panic("paste service: nil dependency (sqlDB, lru, hasher, or cfg)")
	}
	return &Paste{
		db:     sqlDB,
		lru:    lru,
		rdb:    rdb,
		hasher: h,
		cfg:    c,
		now:    time.Now,
	}
}

// Shutdown rejects new writes and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}
func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return errors.New("service shutting down")
	}
	p.opWg.Add(1)
	return nil
}

func (p *Paste) Create(ctx context.Context, principal domain.Principal, params CreateParams) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrContentTooLarge
	}
	verr := &domain.ValidationErr{}
	if params.Content == "" {
		verr.Add("content", "is required")
	}
	if params.Password != "" {
		checkLength(verr, "password", params.Password, minPasswordLen, maxPasswordLen)
	}
	lang := normalizeLanguage(verr, params.Language)
	dur, given := parseExpiry(verr, params.Expiry)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	owned := !principal.IsAnonymous()
	if !given {
		dur = util.DefaultExpiry(owned)
	}

	now := p.now().UTC().Truncate(time.Millisecond)
	paste := &domain.Paste{
		Content:   params.Content,
		CreatedAt: now,
	}
	if lang != "" {
		paste.Language = domain.Some(lang)
	}
	if exp, ok := util.ExpiresAt(now, dur); ok {
		paste.ExpiresAt = domain.Some(exp)
	}
	if owned {
		paste.OwnerID = domain.Some(principal.AccountID)
	}
	if params.Password != "" {
		hash, err := p.hasher.Hash(ctx, params.Password, p.cfg.PasteHashCost)
		if err != nil {
			return nil, errors.Wrap(err, "failed to hash password")
		}
		paste.PasswordHash = domain.Some(hash)
	}

	var gen uint64
	for attempt := 1; ; attempt++ {
		id, err := util.AllocID(ctx, p.db.PasteExists)
		if errors.Is(err, util.ErrIDExhausted) {
			util.Error().Msg("paste id space exhausted after retries")
			return nil, domain.ErrIDGenerationFailed
		}
		if err != nil {
			return nil, errors.Wrap(err, "gen id")
		}
		paste.ID = id
		gen = p.guard(id).current()
		err = p.db.CreatePaste(ctx, paste)
		if errors.Is(err, db.ErrDuplicateID) && attempt < maxInsertAttempts {
			continue
		}
		if errors.Is(err, db.ErrDuplicateID) {
			return nil, domain.ErrIDGenerationFailed
		}
		if err != nil {
			return nil, errors.Wrap(err, "create paste")
		}
		break
	}
	p.fill(ctx, paste, gen, true)
	metrics.PasteCreated.Inc()
	util.Info().
		Str("id", paste.ID).
		Bool("owned", owned).
		Bool("protected", paste.HasPassword()).
		Int("size", paste.Size()).
		Msg("paste created")
	return paste, nil
}

// Get returns a live paste after the password gate.
func (p *Paste) Get(ctx context.Context, id, password string) (*domain.Paste, error) {
	paste, err := p.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.checkAccess(ctx, paste, password); err != nil {
		return nil, err
	}
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

func (p *Paste) GetRaw(ctx context.Context, id, password string) (string, error) {
	paste, err := p.Get(ctx, id, password)
	if err != nil {
		return "", err
	}
	return paste.Content, nil
}

// Unlock is the explicit password exchange for protected pastes.
func (p *Paste) Unlock(ctx context.Context, id, password string) (*domain.Paste, error) {
	if password == "" {
		verr := &domain.ValidationErr{}
		verr.Add("password", "is required")
		return nil, verr
	}
	paste, err := p.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if !paste.HasPassword() {
		return nil, domain.ErrPasswordNotRequired
	}
	if err := p.checkAccess(ctx, paste, password); err != nil {
		return nil, err
	}
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

// Update lets an owner change content, language or expiry. Anonymous pastes
// have no owner and are immutable.
func (p *Paste) Update(ctx context.Context, principal domain.Principal, id string, params UpdateParams) (*domain.Paste, error) {
	if principal.IsAnonymous() {
		return nil, domain.ErrUnauthorized
	}
	if !util.IsValidID(id) {
		return nil, domain.ErrInvalidID
	}
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	cur, err := p.db.GetPaste(ctx, id)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC().Truncate(time.Millisecond)
	if cur.IsExpired(now) {
		return nil, domain.ErrPasteExpired
	}
	if !cur.OwnedBy(principal.AccountID) {
		return nil, domain.ErrForbidden
	}
	next := *cur
	verr := &domain.ValidationErr{}
	if params.Content != nil {
		if int64(len(*params.Content)) > p.cfg.MaxPasteSize {
			return nil, domain.ErrContentTooLarge
		}
		if *params.Content == "" {
			verr.Add("content", "is required")
		}
		next.Content = *params.Content
	}
	if params.Language != nil {
		next.Language = domain.None[string]()
		if lang := normalizeLanguage(verr, *params.Language); lang != "" {
			next.Language = domain.Some(lang)
		}
	}
	if params.Expiry != nil {
		dur, given := parseExpiry(verr, *params.Expiry)
		next.ExpiresAt = domain.None[time.Time]()
		if given {
			if exp, ok := util.ExpiresAt(now, dur); ok {
				next.ExpiresAt = domain.Some(exp)
			}
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	if err := p.db.UpdatePaste(ctx, &next); err != nil {
		return nil, errors.Wrap(err, "update paste")
	}
	p.evict(ctx, id)
	util.Info().Str("id", id).Int64("owner", principal.AccountID).Msg("paste updated")
	return &next, nil
}

// Delete removes a paste. Owned pastes need their owner; for anonymous ones
// knowing the id is sufficient.
func (p *Paste) Delete(ctx context.Context, principal domain.Principal, id string) error {
	if !util.IsValidID(id) {
		return domain.ErrInvalidID
	}
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()
	paste, err := p.db.GetPaste(ctx, id)
	if err != nil {
		return err
	}
	if paste.IsOwned() {
		if principal.IsAnonymous() {
			return domain.ErrUnauthorized
		}
		if !paste.OwnedBy(principal.AccountID) {
			return domain.ErrForbidden
		}
	}
	if err := p.db.DeletePaste(ctx, id); err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return err
		}
		return errors.Wrap(err, "delete from db")
	}
	p.evict(ctx, id)
	metrics.PasteDeleted.Inc()
	util.Info().Str("id", id).Bool("owned", paste.IsOwned()).Msg("paste deleted")
	return nil
}

func (p *Paste) ListByOwner(ctx context.Context, principal domain.Principal, page, limit int) (*ListResult, error) {
	if principal.IsAnonymous() {
		return nil, domain.ErrUnauthorized
	}
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 || limit > maxLimit {
		limit = defaultLimit
	}
	items, err := p.db.ListByOwner(ctx, principal.AccountID, limit, (page-1)*limit)
	if err != nil {
		return nil, errors.Wrap(err, "list pastes")
	}
	total, err := p.db.CountByOwner(ctx, principal.AccountID)
	if err != nil {
		return nil, errors.Wrap(err, "count pastes")
	}
	return &ListResult{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// live resolves id through LRU, Redis and the store, and rejects pastes
// whose expiry has passed even if the sweeper has not purged them yet.
func (p *Paste) live(ctx context.Context, id string) (*domain.Paste, error) {
	if !util.IsValidID(id) {
		return nil, domain.ErrInvalidID
	}
	paste, err := p.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if paste.IsExpired(p.now()) {
		p.evict(ctx, id)
		return nil, domain.ErrPasteExpired
	}
	return paste, nil
}
func (p *Paste) lookup(ctx context.Context, id string) (*domain.Paste, error) {
	gen := p.guard(id).current()
	if paste := p.lru.Get(ctx, id); paste != nil {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		return paste, nil
	}
	if p.rdb != nil {
		paste, err := p.rdb.GetPaste(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis lookup failed, falling back to db")
		} else if paste != nil {
			metrics.CacheHits.WithLabelValues("redis").Inc()
			p.fill(ctx, paste, gen, false)
			return paste, nil
		}
	}
	metrics.CacheMisses.Inc()
	v, err, _ := p.group.Do(id, func() (interface{}, error) {
		paste, err := p.db.GetPaste(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.afterStoreRead != nil {
			p.afterStoreRead(id)
		}
		p.fill(ctx, paste, gen, true)
		return paste, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	return v.(*domain.Paste), nil
}
func (p *Paste) guard(id string) *fillGuard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &p.guards[h.Sum32()%fillStripes]
}

// fill caches paste unless the id was evicted after gen was taken. Redis is
// skipped for rows that came from Redis.
func (p *Paste) fill(ctx context.Context, paste *domain.Paste, gen uint64, toRedis bool) {
	g := p.guard(paste.ID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		util.Debug().Str("id", paste.ID).Msg("paste changed during read, not caching")
		return
	}
	p.lru.Set(paste, p.cfg.CacheTTL)
	if !toRedis || p.rdb == nil {
		return
	}
	ttl := cache.TTLFor(paste, p.cfg.CacheTTL, p.now())
	if err := p.rdb.CachePaste(ctx, paste, ttl); err != nil {
		util.Warn().Err(err).Str("id", paste.ID).Msg("failed to cache in Redis")
	}
}
func (p *Paste) evict(ctx context.Context, id string) {
	g := p.guard(id)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	p.lru.Delete(id)
	if p.rdb != nil {
		if err := p.rdb.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to delete from redis")
		}
	}
}

func (p *Paste) checkAccess(ctx context.Context, paste *domain.Paste, password string) error {
	if !paste.HasPassword() {
		return nil
	}
	if password == "" {
		return domain.ErrPasswordRequired
	}
	err := p.hasher.Verify(ctx, password, paste.PasswordHash.V)
	if errors.Is(err, auth.ErrMismatch) {
		metrics.AuthFailures.WithLabelValues("paste_password").Inc()
		return domain.ErrInvalidPassword
	}
	if err != nil {
		return errors.Wrap(err, "verify paste password")
	}
	return nil
}
