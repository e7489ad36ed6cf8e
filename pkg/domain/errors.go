package domain

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidJSON         = NewErr("invalid_json", "invalid JSON body", http.StatusBadRequest)
	ErrInvalidID           = NewErr("invalid_id", "invalid paste id format", http.StatusBadRequest)
	ErrContentTooLarge     = NewErr("content_too_large", "content too large", http.StatusRequestEntityTooLarge)
	ErrPasteNotFound       = NewErr("paste_not_found", "paste not found", http.StatusNotFound)
	ErrPasteExpired        = NewErr("paste_expired", "paste has expired", http.StatusGone)
	ErrPasswordRequired    = NewErr("password_required", "password required", http.StatusUnauthorized)
	ErrInvalidPassword     = NewErr("invalid_password", "invalid password", http.StatusForbidden)
	ErrPasswordNotRequired = NewErr("password_not_required", "paste is not password protected", http.StatusBadRequest)
	ErrUnauthorized        = NewErr("unauthorized", "authentication required", http.StatusUnauthorized)
	ErrForbidden           = NewErr("forbidden", "you can only modify your own pastes", http.StatusForbidden)
	ErrUsernameExists      = NewErr("username_exists", "username already exists", http.StatusConflict)
	ErrInvalidCredentials  = NewErr("invalid_credentials", "invalid credentials", http.StatusUnauthorized)
	ErrInvalidToken        = NewErr("invalid_token", "invalid credentials", http.StatusUnauthorized)
	ErrAccountNotFound     = NewErr("account_not_found", "account not found", http.StatusUnauthorized)
	ErrRateLimitExceeded   = NewErr("rate_limit_exceeded", "rate limit exceeded", http.StatusTooManyRequests)
	ErrIDGenerationFailed  = NewErr("id_generation_failed", "could not allocate paste id", http.StatusInternalServerError)
	ErrInternalServer      = NewErr("internal_error", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type FieldErr struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErr collects every field problem of one request.
type ValidationErr struct {
	Fields []FieldErr
}

func (v *ValidationErr) Add(field, msg string) {
	v.Fields = append(v.Fields, FieldErr{Field: field, Message: msg})
}
func (v *ValidationErr) HasErrors() bool { return v != nil && len(v.Fields) > 0 }
func (v *ValidationErr) Error() string {
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// OrNil lets callers return the collector directly without a typed-nil error.
func (v *ValidationErr) OrNil() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code    string     `json:"code"`
	Msg     string     `json:"message"`
	Details []FieldErr `json:"details,omitempty"`
}

func ToResp(err error) ErrResp {
	var verr *ValidationErr
	if errors.As(err, &verr) {
		return ErrResp{Error: ErrDetail{Code: "validation_failed", Msg: "validation failed", Details: verr.Fields}}
	}
	var e *Err
	if errors.As(err, &e) {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}
func Status(err error) int {
	var verr *ValidationErr
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	var e *Err
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
