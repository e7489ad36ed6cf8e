package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Bytes() []byte {
	return s.value
}
func (s Secret) IsSet() bool {
	return len(s.value) > 0
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port              string
	Environment       string
	LogLevel          string
	PublicURL         string
	DatabaseDriver    string
	DatabasePath      string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
	RedisURL          string
	RedisTLS          bool
	RedisUsername     string
	RedisPassword     Secret
	RedisTimeout      time.Duration
	LRUCacheSize      int
	CacheTTL          time.Duration
	MaxPasteSize      int64
	PasteHashCost     int
	AccountHashCost   int
	HasherConcurrency int
	JWTAccessSecret   Secret
	JWTRefreshSecret  Secret
	SecretsFromKMS    bool
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	DenylistPath      string
	RateLimit         RateLimitCfg
	TrustProxyHeaders bool
	TrustedProxies    []string
	SweepInterval     time.Duration
	AllowedOrigins    []string
	MetricsUser       string
	MetricsPass       Secret
	ContextTimeout    time.Duration
	EnableProfiler    bool
}

type RateLimitCfg struct {
	CreatePerWindow int
	ReadPerWindow   int
	Window          time.Duration
	AuthPerMinute   int
	AuthBurst       int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.PublicURL = strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/")
	c.DatabaseDriver = getEnv("DATABASE_DRIVER", "sqlite3")
	c.DatabasePath = getEnv("DATABASE_PATH", "pastevault.db")
	var err error
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 1); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 1); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.CacheTTL, err = getDuration("CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 1<<20); err != nil {
		return nil, err
	}
	if c.PasteHashCost, err = getInt("PASTE_HASH_COST", 12); err != nil {
		return nil, err
	}
	if c.AccountHashCost, err = getInt("ACCOUNT_HASH_COST", 14); err != nil {
		return nil, err
	}
	if c.HasherConcurrency, err = getInt("HASHER_CONCURRENCY", runtime.NumCPU()); err != nil {
		return nil, err
	}
	c.JWTAccessSecret = NewSecret(getEnv("JWT_ACCESS_SECRET", ""))
	c.JWTRefreshSecret = NewSecret(getEnv("JWT_REFRESH_SECRET", ""))
	c.SecretsFromKMS = getEnv("SECRETS_FROM_KMS", "false") == "true"
	if c.AccessTokenTTL, err = getDuration("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.RefreshTokenTTL, err = getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	c.DenylistPath = getEnv("DENYLIST_PATH", "")
	if c.RateLimit.CreatePerWindow, err = getInt("RATE_LIMIT_CREATE", 10); err != nil {
		return nil, err
	}
	if c.RateLimit.ReadPerWindow, err = getInt("RATE_LIMIT_READ", 100); err != nil {
		return nil, err
	}
	if c.RateLimit.Window, err = getDuration("RATE_LIMIT_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if c.RateLimit.AuthPerMinute, err = getInt("AUTH_RATE_PER_MINUTE", 5); err != nil {
		return nil, err
	}
	if c.RateLimit.AuthBurst, err = getInt("AUTH_BURST", 5); err != nil {
		return nil, err
	}
	c.TrustProxyHeaders = getEnv("TRUST_PROXY_HEADERS", "true") == "true"
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	if c.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
	})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	c.EnableProfiler = getEnv("ENABLE_PROFILER", "false") == "true"
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("PUBLIC_URL must be an absolute URL")
	}
	switch c.DatabaseDriver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite3 or sqlite, got %q", c.DatabaseDriver)
	}
	if err := validateDBPath(c.DatabasePath); err != nil {
		return err
	}
	if c.DBMaxOpenConns < 1 {
		return errors.New("DB_MAX_OPEN_CONNS must be at least 1")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.CacheTTL < time.Second {
		return errors.New("CACHE_TTL must be at least 1s")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	for name, cost := range map[string]int{"PASTE_HASH_COST": c.PasteHashCost, "ACCOUNT_HASH_COST": c.AccountHashCost} {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("%s must be between %d and %d", name, bcrypt.MinCost, bcrypt.MaxCost)
		}
	}
	if c.Environment == "production" && (c.PasteHashCost < 12 || c.AccountHashCost < 14) {
		return errors.New("production requires PASTE_HASH_COST >= 12 and ACCOUNT_HASH_COST >= 14")
	}
	if c.HasherConcurrency < 1 {
		return errors.New("HASHER_CONCURRENCY must be at least 1")
	}
	if !c.SecretsFromKMS {
		if err := ValidateSigningSecrets(c.JWTAccessSecret.Bytes(), c.JWTRefreshSecret.Bytes()); err != nil {
			return err
		}
	}
	if c.AccessTokenTTL < time.Minute || c.AccessTokenTTL > time.Hour {
		return errors.New("ACCESS_TOKEN_TTL must be between 1m and 1h")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return errors.New("REFRESH_TOKEN_TTL must be longer than ACCESS_TOKEN_TTL")
	}
	if c.RateLimit.CreatePerWindow <= 0 || c.RateLimit.ReadPerWindow <= 0 {
		return errors.New("RATE_LIMIT_CREATE and RATE_LIMIT_READ must be positive")
	}
	if c.RateLimit.Window < time.Second {
		return errors.New("RATE_LIMIT_WINDOW must be at least 1s")
	}
	if c.RateLimit.AuthPerMinute <= 0 || c.RateLimit.AuthBurst <= 0 {
		return errors.New("AUTH_RATE_PER_MINUTE and AUTH_BURST must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.SweepInterval < time.Minute {
		return errors.New("SWEEP_INTERVAL must be at least 1 minute")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		for _, o := range c.AllowedOrigins {
			if o == "*" {
				return errors.New("ALLOWED_ORIGINS cannot contain * in production")
			}
		}
		if c.TrustProxyHeaders && len(c.TrustedProxies) == 0 {
			return errors.New("production with TRUST_PROXY_HEADERS=true requires TRUSTED_PROXIES")
		}
	}
	return nil
}

// ValidateSigningSecrets also runs after secrets are fetched from a provider.
func ValidateSigningSecrets(access, refresh []byte) error {
	if len(access) < 32 {
		return errors.New("JWT_ACCESS_SECRET must be at least 32 bytes")
	}
	if len(refresh) < 32 {
		return errors.New("JWT_REFRESH_SECRET must be at least 32 bytes")
	}
	if string(access) == string(refresh) {
		return errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	return nil
}
func validateDBPath(p string) error {
	if p == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if p == ":memory:" || strings.HasPrefix(p, "file:") {
		return nil
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.JWTAccessSecret.Wipe()
	c.JWTRefreshSecret.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
