package util

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey    contextKey = "request_id"
	RequestIDHeader            = "X-Request-ID"
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}
func NewRequestID() string {
	return uuid.New().String()
}

// RequestIDFrom keeps an upstream id only if it is a well-formed uuid.
func RequestIDFrom(r *http.Request) string {
	if h := r.Header.Get(RequestIDHeader); h != "" {
		if id, err := uuid.Parse(h); err == nil {
			return id.String()
		}
	}
	return NewRequestID()
}
