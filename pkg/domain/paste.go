package domain

import (
	"database/sql"
	"time"
)

// Paste is the stored record. It carries the password hash, so handlers
// render their own response types instead of encoding it directly.
type Paste struct {
	ID           string              `json:"id"`
	Content      string              `json:"content"`
	Language     sql.Null[string]    `json:"language"`
	CreatedAt    time.Time           `json:"created_at"`
	ExpiresAt    sql.Null[time.Time] `json:"expires_at"`
	PasswordHash sql.Null[string]    `json:"password_hash"`
	OwnerID      sql.Null[int64]     `json:"owner_id"`
}

func (p *Paste) HasPassword() bool { return p.PasswordHash.Valid && p.PasswordHash.V != "" }
func (p *Paste) IsOwned() bool     { return p.OwnerID.Valid }
func (p *Paste) OwnedBy(accountID int64) bool {
	return p.OwnerID.Valid && p.OwnerID.V == accountID
}

// IsExpired reports whether now has reached the expiry instant.
func (p *Paste) IsExpired(now time.Time) bool {
	return p.ExpiresAt.Valid && !now.Before(p.ExpiresAt.V)
}
func (p *Paste) Size() int { return len(p.Content) }

type Account struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Principal is the authenticated caller, passed explicitly to every
// ownership-sensitive operation. The zero value is anonymous.
type Principal struct {
	AccountID int64
	Username  string
}

var Anonymous = Principal{}

func (p Principal) IsAnonymous() bool { return p.AccountID == 0 }

func Some[T any](v T) sql.Null[T] { return sql.Null[T]{V: v, Valid: true} }
func None[T any]() sql.Null[T]    { return sql.Null[T]{} }

// PasteSummary is the listing view of a paste; content is reduced to its
// byte size.
type PasteSummary struct {
	ID          string              `json:"id"`
	Language    sql.Null[string]    `json:"language"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpiresAt   sql.Null[time.Time] `json:"expires_at"`
	HasPassword bool                `json:"has_password"`
	Size        int                 `json:"size"`
}
