package api

import (
	"context"
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"pastevault/cfg"
	"pastevault/metrics"
	"pastevault/pkg/domain"
	"pastevault/svc/lim"
	"pastevault/svc/svc"
	"pastevault/svc/util"
)

// principalHandler receives the caller resolved by Optional or Required.
type principalHandler func(w http.ResponseWriter, r *http.Request, p domain.Principal)

type Mw struct {
	lim      *lim.Limiter
	accounts *svc.Account
	cfg      *cfg.Cfg
	cors     *cors.Cors
}

func NewMw(limiter *lim.Limiter, accounts *svc.Account, c *cfg.Cfg) *Mw {
	return &Mw{
		lim:      limiter,
		accounts: accounts,
		cfg:      c,
		cors: cors.New(cors.Options{
			AllowedOrigins: c.AllowedOrigins,
			AllowedMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowedHeaders: []string{
				"Accept",
				"Authorization",
				"Content-Type",
				util.RequestIDHeader,
				"X-Paste-Password",
			},
			ExposedHeaders: []string{
				util.RequestIDHeader,
				"X-RateLimit-Limit",
				"X-RateLimit-Remaining",
				"X-RateLimit-Reset",
				"Retry-After",
			},
			MaxAge: 300,
		}),
	}
}
func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := util.RequestIDFrom(r)
		ctx := util.SetRequestID(r.Context(), requestID)
		w.Header().Set(util.RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
func (m *Mw) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				util.Error().
					Interface("panic", rvr).
					Str("request_id", util.GetRequestID(r.Context())).
					Str("path", r.URL.Path).
					Msg("panic recovered")
				writeErr(w, r, domain.ErrInternalServer)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
func (m *Mw) CORS(next http.Handler) http.Handler {
	return m.cors.Handler(next)
}
func (m *Mw) JSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Duration records latency per route pattern; the pattern is only known
// once chi has finished routing, so it is read after next returns.
func (m *Mw) Duration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		metrics.RequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).
			Observe(time.Since(start).Seconds())
	})
}

func (m *Mw) clientIP(r *http.Request) string {
	return lim.ClientIP(r, m.cfg.TrustProxyHeaders, m.cfg.TrustedProxies)
}
func (m *Mw) RateLimitCreate(next http.Handler) http.Handler {
	return m.rateLimit(lim.KindCreate, m.lim.AllowCreation, next)
}
func (m *Mw) RateLimitRead(next http.Handler) http.Handler {
	return m.rateLimit(lim.KindRead, m.lim.AllowRetrieval, next)
}
func (m *Mw) rateLimit(kind lim.Kind, check func(context.Context, string) lim.Result, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.clientIP(r)
		result := check(r.Context(), ip)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
		if !result.Allowed {
			util.Warn().
				Str("ip", util.RedactIP(ip)).
				Str("endpoint", string(kind)).
				Str("request_id", util.GetRequestID(r.Context())).
				Msg("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter(result.Reset)))
			writeErr(w, r, domain.ErrRateLimitExceeded)
			return
		}
		next.ServeHTTP(w, r)
	})
}
func retryAfter(reset time.Time) int {
	secs := int(math.Ceil(time.Until(reset).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// AuthThrottle smooths credential guessing on login and registration.
func (m *Mw) AuthThrottle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.clientIP(r)
		if !m.lim.AllowAuth(ip) {
			util.Warn().
				Str("ip", util.RedactIP(ip)).
				Str("endpoint", r.URL.Path).
				Msg("auth throttle tripped")
			w.Header().Set("Retry-After", "60")
			writeErr(w, r, domain.ErrRateLimitExceeded)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Optional resolves a bearer token when one is sent. A missing or unusable
// token leaves the caller anonymous.
func (m *Mw) Optional(h principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := domain.Anonymous
		if tok := bearerToken(r); tok != "" {
			resolved, err := m.accounts.Authenticate(r.Context(), tok)
			if err == nil {
				p = resolved
			}
		}
		h(w, r, p)
	}
}

// Required rejects the request unless a valid bearer token is present.
func (m *Mw) Required(h principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeErr(w, r, domain.ErrUnauthorized)
			return
		}
		p, err := m.accounts.Authenticate(r.Context(), tok)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		h(w, r, p)
	}
}
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func (m *Mw) BasicAuthMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.MetricsUser == "" && m.cfg.MetricsPass.Value() == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userMatch := 0
		passMatch := 0
		if ok {
			userMatch = subtle.ConstantTimeCompare([]byte(user), []byte(m.cfg.MetricsUser))
			passMatch = subtle.ConstantTimeCompare([]byte(pass), m.cfg.MetricsPass.Bytes())
		}
		if !ok || userMatch != 1 || passMatch != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}
func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
