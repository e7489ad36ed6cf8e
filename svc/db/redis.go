package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"pastevault/cfg"
	"pastevault/pkg/domain"
)

const (
	pasteKeyPrefix = "paste:"
	denyKeyPrefix  = "denied_token:"
	rateKeyPrefix  = "rate:"
)

// Redis is the shared tier: second-level paste cache, rate-limit counters
// and the token denylist when several instances run behind one balancer.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, cfg *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if cfg.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if cfg.RedisUsername != "" {
		opt.Username = cfg.RedisUsername
	}
	if cfg.RedisPassword.Value() != "" {
		opt.Password = cfg.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{
		client:  client,
		timeout: cfg.RedisTimeout,
	}, nil
}
func buildRedisTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read Redis CA cert")
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load system cert pool")
		}
		tlsConfig.RootCAs = systemPool
	}
	env := os.Getenv("ENVIRONMENT")
	if env != "production" {
		devCertPath := os.Getenv("REDIS_TLS_DEV_CA")
		if devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, errors.Wrap(err, "failed to read dev CA cert")
			}
			if tlsConfig.RootCAs == nil {
				tlsConfig.RootCAs = x509.NewCertPool()
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, errors.New("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}
func (r *Redis) CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return errors.Wrap(r.client.Set(ctx, pasteKeyPrefix+p.ID, data, ttl).Err(), "set paste")
}

// GetPaste returns nil, nil on a cache miss.
func (r *Redis) GetPaste(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, pasteKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &p, nil
}
func (r *Redis) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, pasteKeyPrefix+id).Err(); err != nil {
		return errors.Wrap(err, "delete paste")
	}
	return nil
}

// fixedWindow increments the counter only while it is below the limit, so
// denied calls never extend a client's lockout. Returns {allowed, count, pttl}.
var fixedWindow = redis.NewScript(`
	local limit = tonumber(ARGV[2])
	local current = tonumber(redis.call("GET", KEYS[1]) or "0")
	if current >= limit then
		return {0, current, redis.call("PTTL", KEYS[1])}
	end
	current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {1, current, redis.call("PTTL", KEYS[1])}
`)

type WindowResult struct {
	Allowed bool
	Count   int
	ResetIn time.Duration
}

func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	vals, err := fixedWindow.Run(ctx, r.client, []string{rateKeyPrefix + key}, window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return WindowResult{}, errors.Wrap(err, "rate limit lua")
	}
	if len(vals) != 3 {
		return WindowResult{}, errors.Errorf("rate limit lua returned %d values", len(vals))
	}
	reset := time.Duration(vals[2]) * time.Millisecond
	if reset < 0 {
		reset = window
	}
	return WindowResult{Allowed: vals[0] == 1, Count: int(vals[1]), ResetIn: reset}, nil
}

// Deny and Denied make Redis usable as the token denylist.
func (r *Redis) Deny(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return errors.New("token id cannot be empty")
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, denyKeyPrefix+jti, "1", ttl).Err(), "deny token")
}
// Claim sets the denylist key only if it is absent, so exactly one caller
// wins a given jti across every instance sharing this Redis.
func (r *Redis) Claim(ctx context.Context, jti string, until time.Time) (bool, error) {
	if jti == "" {
		return false, errors.New("token id cannot be empty")
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	won, err := r.client.SetNX(ctx, denyKeyPrefix+jti, "1", ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "claim token")
	}
	return won, nil
}
func (r *Redis) Denied(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, errors.New("token id cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, denyKeyPrefix+jti).Result()
	if err != nil {
		return false, errors.Wrap(err, "denylist lookup")
	}
	return n > 0, nil
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
