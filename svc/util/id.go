package util

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const (
	IDAlphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	IDLength      = 6
	MaxIDAttempts = 10
)

var ErrIDExhausted = errors.New("id space exhausted after max attempts")

// AllocID draws random ids until exists reports a free one.
func AllocID(ctx context.Context, exists func(context.Context, string) (bool, error)) (string, error) {
	for attempt := 0; attempt < MaxIDAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := gonanoid.Generate(IDAlphabet, IDLength)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		taken, err := exists(ctx, id)
		if err != nil {
			return "", errors.Wrap(err, "exists check")
		}
		if !taken {
			return id, nil
		}
		Debug().Int("attempt", attempt+1).Msg("paste id collision")
	}
	return "", ErrIDExhausted
}
func IsValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
