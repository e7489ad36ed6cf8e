package util

import (
	"strconv"
	"strings"
	"time"
)

const (
	MinExpiry        = time.Minute
	MaxExpiry        = 365 * 24 * time.Hour
	AnonymousDefault = 24 * time.Hour
)

type ExpiryError struct {
	Msg string
}

func (e *ExpiryError) Error() string { return e.Msg }

// ParseExpiry accepts "", "never" or <n><m|h|d>. A nil duration means no expiry.
func ParseExpiry(s string) (*time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "never") {
		return nil, nil
	}
	if len(s) < 2 {
		return nil, &ExpiryError{Msg: "invalid duration format (use e.g. 30m, 1h, 7d)"}
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return nil, &ExpiryError{Msg: "invalid duration format (use e.g. 30m, 1h, 7d)"}
	}
	digits := s[:len(s)-1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return nil, &ExpiryError{Msg: "invalid duration format (use e.g. 30m, 1h, 7d)"}
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n > int64(MaxExpiry/unit) {
		return nil, &ExpiryError{Msg: "expiry duration cannot exceed 365 days"}
	}
	d := time.Duration(n) * unit
	if d < MinExpiry {
		return nil, &ExpiryError{Msg: "expiry duration must be at least 1 minute"}
	}
	if d > MaxExpiry {
		return nil, &ExpiryError{Msg: "expiry duration cannot exceed 365 days"}
	}
	return &d, nil
}

// DefaultExpiry applies when the caller gave no duration: anonymous pastes
// live 24h, owned pastes are kept until deleted.
func DefaultExpiry(owned bool) *time.Duration {
	if owned {
		return nil
	}
	d := AnonymousDefault
	return &d
}
func ExpiresAt(now time.Time, d *time.Duration) (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	return now.Add(*d), true
}
