package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"pastevault/metrics"
	"pastevault/pkg/domain"
	"pastevault/svc/util"
)

const (
	AccessTTL  = 15 * time.Minute
	RefreshTTL = 7 * 24 * time.Hour
)

var ErrWeakSecret = errors.New("signing secrets must be non-empty and distinct")

type AccessClaims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Resolver looks an account up by id at refresh time so renamed or deleted
// accounts are never carried forward from stale claims.
type Resolver func(ctx context.Context, id int64) (domain.Account, error)

type IssuerOpts struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Denylist      Denylist
	Now           func() time.Time
}

type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	deny          Denylist
	now           func() time.Time
	accessParser  *jwt.Parser
	refreshParser *jwt.Parser
}

func NewIssuer(o IssuerOpts) (*Issuer, error) {
	if len(o.AccessSecret) == 0 || len(o.RefreshSecret) == 0 ||
		string(o.AccessSecret) == string(o.RefreshSecret) {
		return nil, ErrWeakSecret
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = AccessTTL
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = RefreshTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Denylist == nil {
		m := NewMemDenylist(0, o.RefreshTTL)
		m.now = o.Now
		o.Denylist = m
	}
	i := &Issuer{
		accessSecret:  append([]byte(nil), o.AccessSecret...),
		refreshSecret: append([]byte(nil), o.RefreshSecret...),
		accessTTL:     o.AccessTTL,
		refreshTTL:    o.RefreshTTL,
		deny:          o.Denylist,
		now:           o.Now,
	}
	i.accessParser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(o.Now),
	)
	i.refreshParser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(o.Now),
	)
	return i, nil
}

func (i *Issuer) IssuePair(acc domain.Account) (*TokenPair, error) {
	now := i.now()
	accessExp := now.Add(i.accessTTL)
	sub := strconv.FormatInt(acc.ID, 10)

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, &AccessClaims{
		UserID:           acc.ID,
		Username:         acc.Username,
		RegisteredClaims: registered(sub, now, accessExp),
	})
	accessStr, err := access.SignedString(i.accessSecret)
	if err != nil {
		return nil, errors.Wrap(err, "sign access token")
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS512, &RefreshClaims{
		UserID:           acc.ID,
		RegisteredClaims: registered(sub, now, now.Add(i.refreshTTL)),
	})
	refreshStr, err := refresh.SignedString(i.refreshSecret)
	if err != nil {
		return nil, errors.Wrap(err, "sign refresh token")
	}
	metrics.TokensIssued.Inc()
	return &TokenPair{AccessToken: accessStr, RefreshToken: refreshStr, ExpiresAt: accessExp.Unix()}, nil
}

func registered(sub string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
}

func (i *Issuer) ValidateAccess(ctx context.Context, tok string) (*AccessClaims, error) {
	c := &AccessClaims{}
	if err := i.parse(ctx, i.accessParser, tok, c, i.accessSecret, "access"); err != nil {
		return nil, err
	}
	if c.UserID <= 0 || c.Username == "" {
		return nil, domain.ErrInvalidToken
	}
	return c, nil
}

func (i *Issuer) ValidateRefresh(ctx context.Context, tok string) (*RefreshClaims, error) {
	c := &RefreshClaims{}
	if err := i.parse(ctx, i.refreshParser, tok, c, i.refreshSecret, "refresh"); err != nil {
		return nil, err
	}
	if c.UserID <= 0 {
		return nil, domain.ErrInvalidToken
	}
	return c, nil
}

type denyable interface {
	jwt.Claims
	jti() string
}

func (c *AccessClaims) jti() string  { return c.ID }
func (c *RefreshClaims) jti() string { return c.ID }

// parse collapses every failure mode into ErrInvalidToken; the cause is
// only logged.
func (i *Issuer) parse(ctx context.Context, p *jwt.Parser, tok string, c denyable, key []byte, kind string) error {
	if tok == "" {
		return domain.ErrInvalidToken
	}
	_, err := p.ParseWithClaims(tok, c, func(*jwt.Token) (interface{}, error) { return key, nil })
	if err != nil {
		util.Debug().Err(err).Str("kind", kind).Str("token", util.RedactToken(tok)).Msg("Token rejected")
		return domain.ErrInvalidToken
	}
	if c.jti() == "" {
		return domain.ErrInvalidToken
	}
	denied, err := i.deny.Denied(ctx, c.jti())
	if err != nil {
		util.Error().Err(err).Str("kind", kind).Msg("Denylist lookup failed, rejecting token")
		return domain.ErrInvalidToken
	}
	if denied {
		return domain.ErrInvalidToken
	}
	return nil
}

// Rotate exchanges a refresh token for a fresh pair. The presented token is
// claimed on the denylist before anything else, so of several concurrent
// rotations of one token exactly one proceeds. A claimed token stays spent
// even if the account lookup then fails.
func (i *Issuer) Rotate(ctx context.Context, refresh string, resolve Resolver) (*TokenPair, domain.Account, error) {
	c, err := i.ValidateRefresh(ctx, refresh)
	if err != nil {
		return nil, domain.Account{}, err
	}
	won, err := i.deny.Claim(ctx, c.ID, c.ExpiresAt.Time)
	if err != nil {
		util.Error().Err(err).Msg("Denylist claim failed, rejecting refresh")
		return nil, domain.Account{}, domain.ErrInvalidToken
	}
	if !won {
		util.Warn().Int64("account", c.UserID).Msg("refresh token reused")
		return nil, domain.Account{}, domain.ErrInvalidToken
	}
	acc, err := resolve(ctx, c.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, domain.Account{}, domain.ErrAccountNotFound
		}
		return nil, domain.Account{}, errors.Wrap(err, "resolve account")
	}
	pair, err := i.IssuePair(acc)
	if err != nil {
		return nil, domain.Account{}, err
	}
	return pair, acc, nil
}

func (i *Issuer) Revoke(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return nil
	}
	if err := i.deny.Deny(ctx, jti, until); err != nil {
		return errors.Wrap(err, "revoke token")
	}
	return nil
}
