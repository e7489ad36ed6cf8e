package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

const (
	PasteCost   = 12
	AccountCost = 14
	// bcrypt ignores input past 72 bytes; longer secrets are pre-hashed.
	bcryptInputLimit = 72
)

var (
	ErrEmptySecret    = errors.New("secret must not be empty")
	ErrEmptyHash      = errors.New("hash must not be empty")
	ErrCostOutOfRange = errors.New("hash cost out of range")
	ErrMismatch       = errors.New("secret does not match hash")
)

// Hasher bounds how many bcrypt computations run at once so a burst of
// logins cannot starve request goroutines of CPU.
type Hasher struct {
	slots chan struct{}
}

func NewHasher(concurrency int) *Hasher {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Hasher{slots: make(chan struct{}, concurrency)}
}
func (h *Hasher) acquire(ctx context.Context) error {
	select {
	case h.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for hash slot")
	}
}
func (h *Hasher) release() { <-h.slots }

func (h *Hasher) Hash(ctx context.Context, secret string, cost int) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", errors.Wrapf(ErrCostOutOfRange, "cost %d not in [%d,%d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if err := h.acquire(ctx); err != nil {
		return "", err
	}
	defer h.release()
	out, err := bcrypt.GenerateFromPassword(prepare(secret), cost)
	if err != nil {
		return "", errors.Wrap(err, "bcrypt hash")
	}
	return string(out), nil
}

// Verify returns nil on match and ErrMismatch otherwise. Malformed hashes are
// reported as mismatches so callers cannot tell them apart.
func (h *Hasher) Verify(ctx context.Context, secret, hash string) error {
	if secret == "" {
		return ErrEmptySecret
	}
	if hash == "" {
		return ErrEmptyHash
	}
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()
	err := bcrypt.CompareHashAndPassword([]byte(hash), prepare(secret))
	if err != nil {
		return ErrMismatch
	}
	return nil
}
func prepare(secret string) []byte {
	if len(secret) <= bcryptInputLimit {
		return []byte(secret)
	}
	sum := sha256.Sum256([]byte(secret))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}
