package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pastevault/cfg"
	"pastevault/pkg/kms"
	"pastevault/svc/api"
	"pastevault/svc/auth"
	"pastevault/svc/cache"
	"pastevault/svc/db"
	"pastevault/svc/lim"
	"pastevault/svc/svc"
	"pastevault/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}
	if len(os.Args) > 2 && os.Args[1] == "-seal" {
		os.Exit(seal(os.Args[2]))
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting pastevault API")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accessSecret, refreshSecret, err := signingSecrets(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: signing secrets unavailable")
		os.Exit(1)
	}

	sqlDB, err := db.NewSQLiteWithConfig(db.Opts{
		Driver:       c.DatabaseDriver,
		Path:         c.DatabasePath,
		MaxOpenConns: c.DBMaxOpenConns,
		MaxIdleConns: c.DBMaxIdleConns,
		QueryTimeout: c.DBQueryTimeout,
	})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Str("driver", c.DatabaseDriver).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable, using local caches and counters")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	denylist, closeDenylist, err := openDenylist(c, rdb)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to open token denylist")
		os.Exit(1)
	}
	defer closeDenylist()

	issuer, err := auth.NewIssuer(auth.IssuerOpts{
		AccessSecret:  accessSecret,
		RefreshSecret: refreshSecret,
		AccessTTL:     c.AccessTokenTTL,
		RefreshTTL:    c.RefreshTokenTTL,
		Denylist:      denylist,
	})
	util.Wipe(accessSecret, refreshSecret)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize token issuer")
		os.Exit(1)
	}

	hasher := auth.NewHasher(c.HasherConcurrency)
	util.Info().Int("concurrency", c.HasherConcurrency).Msg("hasher initialized")

	pasteSvc := svc.NewPaste(sqlDB, lruCache, rdb, hasher, c)
	accountSvc := svc.NewAccount(sqlDB, hasher, issuer, pasteSvc, c)

	limOpts := lim.Opts{
		CreatePerWindow: c.RateLimit.CreatePerWindow,
		ReadPerWindow:   c.RateLimit.ReadPerWindow,
		Window:          c.RateLimit.Window,
		AuthPerMinute:   c.RateLimit.AuthPerMinute,
		AuthBurst:       c.RateLimit.AuthBurst,
	}
	if rdb != nil {
		limOpts.Shared = rdb
	}
	limiter := lim.New(limOpts)
	util.Info().
		Int("create_per_window", c.RateLimit.CreatePerWindow).
		Int("read_per_window", c.RateLimit.ReadPerWindow).
		Dur("window", c.RateLimit.Window).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	sweeper := svc.NewSweeper(sqlDB, c.SweepInterval)
	sweeper.Start(ctx)
	util.Info().Dur("interval", c.SweepInterval).Msg("retention sweeper started")

	wal := db.NewWALMaintainer(sqlDB, 0)
	wal.Start(ctx)
	util.Info().Msg("WAL maintenance worker started")

	server := api.NewServer(c, pasteSvc, accountSvc, limiter, sqlDB, rdb)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		util.Info().Str("signal", sig.String()).Msg("shutting down gracefully...")
	case err := <-errCh:
		if err != nil {
			util.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	sweeper.Stop()
	util.Info().Msg("retention sweeper stopped")
	limiter.Stop()
	pasteSvc.Shutdown()
	wal.Stop()
	util.Info().Msg("WAL maintenance stopped")
	cancel()
	util.Info().Msg("shutdown complete")
}

// signingSecrets returns the JWT keys from the environment or, with
// SECRETS_FROM_KMS, from the configured secret provider.
func signingSecrets(ctx context.Context, c *cfg.Cfg) ([]byte, []byte, error) {
	if !c.SecretsFromKMS {
		access := append([]byte(nil), c.JWTAccessSecret.Bytes()...)
		refresh := append([]byte(nil), c.JWTRefreshSecret.Bytes()...)
		return access, refresh, nil
	}
	adapter, err := kms.NewAdapter(ctx)
	if err != nil {
		return nil, nil, err
	}
	access, err := adapter.Resolve(ctx, "JWT_ACCESS_SECRET")
	if err != nil {
		return nil, nil, err
	}
	refresh, err := adapter.Resolve(ctx, "JWT_REFRESH_SECRET")
	if err != nil {
		util.Wipe(access)
		return nil, nil, err
	}
	if err := cfg.ValidateSigningSecrets(access, refresh); err != nil {
		util.Wipe(access, refresh)
		return nil, nil, err
	}
	util.Info().Msg("signing secrets loaded from provider")
	return access, refresh, nil
}

// openDenylist picks where revoked token ids live: Redis when connected so
// every instance sees them, else a bolt file when configured, else memory.
func openDenylist(c *cfg.Cfg, rdb *db.Redis) (auth.Denylist, func(), error) {
	noop := func() {}
	if rdb != nil {
		util.Info().Msg("token denylist in redis")
		return rdb, noop, nil
	}
	if c.DenylistPath != "" {
		b, err := db.OpenBoltDenylist(c.DenylistPath)
		if err != nil {
			return nil, noop, err
		}
		util.Info().Str("path", c.DenylistPath).Msg("token denylist in bolt file")
		return b, func() {
			if err := b.Close(); err != nil {
				util.Warn().Err(err).Msg("closing denylist")
			}
		}, nil
	}
	util.Warn().Msg("token denylist in memory, revocations are lost on restart")
	return auth.NewMemDenylist(0, c.RefreshTokenTTL), noop, nil
}

func healthCheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "pastevault.db"
	}
	sqlDB, err := db.NewSQLiteWithConfig(db.Opts{Driver: os.Getenv("DATABASE_DRIVER"), Path: dbPath})
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(ctx); err != nil {
		return 1
	}
	return 0
}

// seal reads a secret from stdin and prints it in the sealed form accepted
// by the provider, for storing as name.
func seal(name string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	adapter, err := kms.NewAdapter(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kms:", err)
		return 1
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(os.Stderr, "read secret:", err)
		return 1
	}
	secret := []byte(strings.TrimRight(line, "\r\n"))
	defer util.Wipe(secret)
	sealed, err := adapter.Seal(ctx, secret)
	if err != nil {
		fmt.Fprintln(os.Stderr, "seal:", err)
		return 1
	}
	fmt.Printf("%s=%s\n", name, sealed)
	return 0
}
