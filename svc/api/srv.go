package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"pastevault/cfg"
	"pastevault/svc/db"
	"pastevault/svc/lim"
	"pastevault/svc/svc"
	"pastevault/svc/util"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, pastes *svc.Paste, accounts *svc.Account, l *lim.Limiter, sqlDB *db.SQLite, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, accounts, c)
	s := &Server{
		router: r,
		cfg:    c,
		db:     sqlDB,
		rdb:    rdb,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.BasicAuthMetrics)
		r.Handle("/metrics", promhttp.Handler())
		if c.EnableProfiler {
			r.Mount("/debug", middleware.Profiler())
		}
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Duration)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)

		hdl := &Hdl{pastes: pastes, cfg: c}
		r.Route("/paste", func(r chi.Router) {
			r.With(mw.RateLimitCreate).Post("/", mw.Optional(hdl.CreatePaste))
			r.Route("/{id}", func(r chi.Router) {
				r.With(mw.RateLimitRead).Get("/", hdl.GetPaste)
				r.With(mw.RateLimitRead).Get("/raw", hdl.GetRawPaste)
				r.With(mw.RateLimitRead).Get("/qr", hdl.GetQR)
				r.With(mw.RateLimitRead).Post("/unlock", hdl.UnlockPaste)
				r.With(mw.RateLimitRead).Put("/", mw.Required(hdl.UpdatePaste))
				r.With(mw.RateLimitRead).Delete("/", mw.Optional(hdl.DeletePaste))
			})
		})
		r.Get("/user/pastes", mw.Required(hdl.ListPastes))

		ah := &AuthHdl{accounts: accounts}
		r.Route("/auth", func(r chi.Router) {
			r.With(mw.AuthThrottle).Post("/register", ah.Register)
			r.With(mw.AuthThrottle).Post("/login", ah.Login)
			r.With(mw.AuthThrottle).Post("/refresh", ah.Refresh)
			r.Post("/logout", ah.Logout)
			r.Get("/profile", mw.Required(ah.Profile))
			r.Delete("/account", mw.Required(ah.DeleteAccount))
		})
	})
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
