package svc

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"pastevault/cfg"
	"pastevault/metrics"
	"pastevault/pkg/domain"
	"pastevault/svc/auth"
	"pastevault/svc/db"
	"pastevault/svc/util"
)

type Profile struct {
	Account    domain.Account
	PasteCount int
}

type Account struct {
	db        *db.SQLite
	hasher    *auth.Hasher
	issuer    *auth.Issuer
	pastes    *Paste
	cfg       *cfg.Cfg
	dummyOnce sync.Once
	dummyHash string
}

// NewAccount takes the paste service, when there is one, so that account
// deletion can drop cached copies of the pastes it orphans.
func NewAccount(sqlDB *db.SQLite, h *auth.Hasher, iss *auth.Issuer, pastes *Paste, c *cfg.Cfg) *Account {
	if sqlDB == nil || h == nil || iss == nil || c == nil {
		panic("account service: nil dependency (sqlDB, hasher, issuer, or cfg)")
	}
	return &Account{db: sqlDB, hasher: h, issuer: iss, pastes: pastes, cfg: c}
}

func (a *Account) Register(ctx context.Context, username, password string) (domain.Account, *auth.TokenPair, error) {
	username = strings.TrimSpace(username)
	verr := &domain.ValidationErr{}
	checkUsername(verr, username)
	checkPassword(verr, password)
	if err := verr.OrNil(); err != nil {
		return domain.Account{}, nil, err
	}
	exists, err := a.db.AccountExists(ctx, username)
	if err != nil {
		return domain.Account{}, nil, errors.Wrap(err, "check username")
	}
	if exists {
		return domain.Account{}, nil, domain.ErrUsernameExists
	}
	hash, err := a.hasher.Hash(ctx, password, a.cfg.AccountHashCost)
	if err != nil {
		return domain.Account{}, nil, errors.Wrap(err, "hash account password")
	}
	// the unique index still catches a concurrent registration
	acc, err := a.db.CreateAccount(ctx, username, hash)
	if err != nil {
		if errors.Is(err, domain.ErrUsernameExists) {
			return domain.Account{}, nil, err
		}
		return domain.Account{}, nil, errors.Wrap(err, "create account")
	}
	pair, err := a.issuer.IssuePair(acc)
	if err != nil {
		return domain.Account{}, nil, errors.Wrap(err, "issue tokens")
	}
	util.Info().Int64("account", acc.ID).Msg("account registered")
	return acc, pair, nil
}

// Login answers unknown usernames and wrong passwords identically, in both
// message and work done.
func (a *Account) Login(ctx context.Context, username, password string) (domain.Account, *auth.TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		verr := &domain.ValidationErr{}
		if username == "" {
			verr.Add("username", "is required")
		}
		if password == "" {
			verr.Add("password", "is required")
		}
		return domain.Account{}, nil, verr
	}
	acc, err := a.db.GetAccountByUsername(ctx, username)
	if errors.Is(err, domain.ErrAccountNotFound) {
		_ = a.hasher.Verify(ctx, password, a.dummy(ctx))
		metrics.AuthFailures.WithLabelValues("unknown_user").Inc()
		return domain.Account{}, nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return domain.Account{}, nil, errors.Wrap(err, "lookup account")
	}
	err = a.hasher.Verify(ctx, password, acc.PasswordHash)
	if errors.Is(err, auth.ErrMismatch) {
		metrics.AuthFailures.WithLabelValues("bad_password").Inc()
		util.Info().Str("auth_event", "login_failed").Int64("account", acc.ID).Msg("login rejected")
		return domain.Account{}, nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return domain.Account{}, nil, errors.Wrap(err, "verify password")
	}
	pair, err := a.issuer.IssuePair(acc)
	if err != nil {
		return domain.Account{}, nil, errors.Wrap(err, "issue tokens")
	}
	return acc, pair, nil
}

// dummy is a real hash at account cost, compared against when the username
// is unknown so both paths spend the same bcrypt time.
func (a *Account) dummy(ctx context.Context) string {
	a.dummyOnce.Do(func() {
		h, err := a.hasher.Hash(ctx, "pastevault-timing-equaliser", a.cfg.AccountHashCost)
		if err != nil {
			util.Warn().Err(err).Msg("dummy hash unavailable")
			return
		}
		a.dummyHash = h
	})
	return a.dummyHash
}

// Refresh trades a refresh token for a new pair. The account is looked up
// again so a deleted account cannot keep refreshing.
func (a *Account) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	if refreshToken == "" {
		verr := &domain.ValidationErr{}
		verr.Add("refresh_token", "is required")
		return nil, verr
	}
	pair, _, err := a.issuer.Rotate(ctx, refreshToken, a.db.GetAccount)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidToken) || errors.Is(err, domain.ErrAccountNotFound) {
			metrics.AuthFailures.WithLabelValues("refresh").Inc()
			return nil, err
		}
		return nil, errors.Wrap(err, "rotate tokens")
	}
	return pair, nil
}

// Logout revokes the access token and, when given, the refresh token of the
// same account.
func (a *Account) Logout(ctx context.Context, accessToken, refreshToken string) error {
	ac, err := a.issuer.ValidateAccess(ctx, accessToken)
	if err != nil {
		return err
	}
	if refreshToken != "" {
		rc, err := a.issuer.ValidateRefresh(ctx, refreshToken)
		if err != nil {
			return err
		}
		if rc.UserID != ac.UserID {
			return domain.ErrInvalidToken
		}
		if err := a.issuer.Revoke(ctx, rc.ID, rc.ExpiresAt.Time); err != nil {
			return err
		}
	}
	if err := a.issuer.Revoke(ctx, ac.ID, ac.ExpiresAt.Time); err != nil {
		return err
	}
	util.Info().Str("auth_event", "logout").Int64("account", ac.UserID).Msg("session revoked")
	return nil
}

// Authenticate turns a bearer token into a principal. The account must
// still exist.
func (a *Account) Authenticate(ctx context.Context, bearer string) (domain.Principal, error) {
	c, err := a.issuer.ValidateAccess(ctx, bearer)
	if err != nil {
		return domain.Anonymous, err
	}
	acc, err := a.db.GetAccount(ctx, c.UserID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Anonymous, domain.ErrInvalidToken
	}
	if err != nil {
		return domain.Anonymous, errors.Wrap(err, "resolve principal")
	}
	return domain.Principal{AccountID: acc.ID, Username: acc.Username}, nil
}

func (a *Account) Profile(ctx context.Context, principal domain.Principal) (*Profile, error) {
	if principal.IsAnonymous() {
		return nil, domain.ErrUnauthorized
	}
	acc, err := a.db.GetAccount(ctx, principal.AccountID)
	if err != nil {
		return nil, err
	}
	n, err := a.db.CountByOwner(ctx, acc.ID)
	if err != nil {
		return nil, errors.Wrap(err, "count pastes")
	}
	return &Profile{Account: acc, PasteCount: n}, nil
}

// Delete removes the caller's account after re-checking the password. Its
// pastes stay reachable as anonymous pastes.
func (a *Account) Delete(ctx context.Context, principal domain.Principal, password string) error {
	if principal.IsAnonymous() {
		return domain.ErrUnauthorized
	}
	if password == "" {
		verr := &domain.ValidationErr{}
		verr.Add("password", "is required")
		return verr
	}
	acc, err := a.db.GetAccount(ctx, principal.AccountID)
	if err != nil {
		return err
	}
	err = a.hasher.Verify(ctx, password, acc.PasswordHash)
	if errors.Is(err, auth.ErrMismatch) {
		return domain.ErrInvalidCredentials
	}
	if err != nil {
		return errors.Wrap(err, "verify password")
	}
	owned, err := a.ownedIDs(ctx, acc.ID)
	if err != nil {
		return err
	}
	if err := a.db.DeleteAccount(ctx, acc.ID); err != nil {
		return err
	}
	if a.pastes != nil {
		for _, id := range owned {
			a.pastes.evict(ctx, id)
		}
	}
	util.Info().Str("auth_event", "account_deleted").Int64("account", acc.ID).Msg("account deleted")
	return nil
}

func (a *Account) ownedIDs(ctx context.Context, owner int64) ([]string, error) {
	if a.pastes == nil {
		return nil, nil
	}
	n, err := a.db.CountByOwner(ctx, owner)
	if err != nil || n == 0 {
		return nil, errors.Wrap(err, "count owned pastes")
	}
	items, err := a.db.ListByOwner(ctx, owner, n, 0)
	if err != nil {
		return nil, errors.Wrap(err, "list owned pastes")
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids, nil
}
