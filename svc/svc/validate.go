package svc

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"pastevault/pkg/domain"
	"pastevault/svc/util"
)

const (
	minPasswordLen = 6
	maxPasswordLen = 128
	maxLanguageLen = 32
	minUsernameLen = 3
	maxUsernameLen = 50
)

func checkLength(v *domain.ValidationErr, field, s string, min, max int) bool {
	n := utf8.RuneCountInString(s)
	if n < min {
		v.Add(field, fmt.Sprintf("must be at least %d characters", min))
		return false
	}
	if n > max {
		v.Add(field, fmt.Sprintf("must be at most %d characters", max))
		return false
	}
	return true
}

func checkPassword(v *domain.ValidationErr, password string) {
	if password == "" {
		v.Add("password", "is required")
		return
	}
	checkLength(v, "password", password, minPasswordLen, maxPasswordLen)
}

// normalizeLanguage returns the NFC form of a language hint, or "" when
// none was given.
func normalizeLanguage(v *domain.ValidationErr, lang string) string {
	lang = norm.NFC.String(strings.TrimSpace(lang))
	if lang == "" {
		return ""
	}
	if !checkLength(v, "language", lang, 1, maxLanguageLen) {
		return ""
	}
	for _, r := range lang {
		if unicode.IsControl(r) {
			v.Add("language", "must not contain control characters")
			return ""
		}
	}
	return lang
}

// parseExpiry validates an expiry string. The bool reports whether the
// caller supplied one at all; only then is the default policy bypassed.
func parseExpiry(v *domain.ValidationErr, expiry string) (*time.Duration, bool) {
	if strings.TrimSpace(expiry) == "" {
		return nil, false
	}
	d, err := util.ParseExpiry(expiry)
	if err != nil {
		v.Add("expiry", err.Error())
		return nil, true
	}
	return d, true
}

func checkUsername(v *domain.ValidationErr, username string) {
	if username == "" {
		v.Add("username", "is required")
		return
	}
	if !checkLength(v, "username", username, minUsernameLen, maxUsernameLen) {
		return
	}
	for _, c := range username {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-') {
			v.Add("username", "can only contain letters, numbers, underscores, and hyphens")
			return
		}
	}
}
