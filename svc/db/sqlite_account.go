package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"pastevault/pkg/domain"
)

func (s *SQLite) CreateAccount(ctx context.Context, username, passwordHash string) (domain.Account, error) {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer cancel()
	now := s.now()
	res, err := s.db.ExecContext(qctx,
		`INSERT INTO accounts (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, toMillis(now),
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return domain.Account{}, domain.ErrUsernameExists
	}
	if err != nil {
		return domain.Account{}, errors.Wrap(err, "db create account")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Account{}, errors.Wrap(err, "account id")
	}
	return domain.Account{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    fromMillis(toMillis(now)),
	}, nil
}

func (s *SQLite) getAccount(ctx context.Context, where string, arg any) (domain.Account, error) {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer cancel()
	var (
		a         domain.Account
		createdAt int64
	)
	err = s.db.QueryRowContext(qctx,
		`SELECT id, username, password_hash, created_at FROM accounts WHERE `+where, arg,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	s.recordError(err)
	if err != nil {
		return domain.Account{}, errors.Wrap(err, "db get account")
	}
	a.CreatedAt = fromMillis(createdAt)
	return a, nil
}

func (s *SQLite) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	return s.getAccount(ctx, "id = ?", id)
}

// GetAccountByUsername pads its latency so a miss is not distinguishable
// from a hit by timing.
func (s *SQLite) GetAccountByUsername(ctx context.Context, username string) (domain.Account, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	return s.getAccount(ctx, "username = ?", username)
}

func (s *SQLite) AccountExists(ctx context.Context, username string) (bool, error) {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var one int
	err = s.db.QueryRowContext(qctx, `SELECT 1 FROM accounts WHERE username = ? LIMIT 1`, username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "account exists")
	}
	return true, nil
}

// DeleteAccount removes the account; its pastes survive as anonymous ones
// through the ON DELETE SET NULL foreign key.
func (s *SQLite) DeleteAccount(ctx context.Context, id int64) error {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res, err := s.db.ExecContext(qctx, `DELETE FROM accounts WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "delete account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
