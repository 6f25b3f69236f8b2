// Package bootstrap turns configuration into the relay's runtime components.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/whatsapp-assistant-relay/internal/config"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

// AWSLoader resolves the SDK configuration on first use.
type AWSLoader func(ctx context.Context, cfg *appconfig.Config) (aws.Config, error)

// BuildRedisClient returns a configured Redis client or nil when REDIS_ADDR
// is empty. When verify is true the client is pinged first.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, verify bool) (*redis.Client, error) {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, nil
	}
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if !verify {
		return client, nil
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bootstrap: redis ping %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// Resources lazily opens the shared backend clients and closes them together.
type Resources struct {
	cfg       *appconfig.Config
	logger    *logging.Logger
	loadAWS   AWSLoader
	mu        sync.Mutex
	redis     *redis.Client
	pool      *pgxpool.Pool
	awsCfg    *aws.Config
	closeOnce sync.Once
}

// NewResources creates an empty resource set. loadAWS may be nil when no AWS
// backend is configured.
func NewResources(cfg *appconfig.Config, logger *logging.Logger, loadAWS AWSLoader) *Resources {
	if cfg == nil {
		panic("bootstrap: config cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resources{cfg: cfg, logger: logger, loadAWS: loadAWS}
}

// Redis returns the shared Redis client, connecting on first use.
func (r *Resources) Redis(ctx context.Context) (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redis != nil {
		return r.redis, nil
	}
	client, err := BuildRedisClient(ctx, r.cfg, true)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("bootstrap: REDIS_ADDR is required")
	}
	r.logger.Info("redis connected", "addr", r.cfg.RedisAddr)
	r.redis = client
	return client, nil
}

// Postgres returns the shared pgx pool, connecting on first use.
func (r *Resources) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != nil {
		return r.pool, nil
	}
	if strings.TrimSpace(r.cfg.DatabaseURL) == "" {
		return nil, errors.New("bootstrap: DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, r.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	r.logger.Info("postgres connected")
	r.pool = pool
	return pool, nil
}

// AWS returns the shared SDK configuration.
func (r *Resources) AWS(ctx context.Context) (aws.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.awsCfg != nil {
		return *r.awsCfg, nil
	}
	if r.loadAWS == nil {
		return aws.Config{}, errors.New("bootstrap: no AWS loader configured")
	}
	awsCfg, err := r.loadAWS(ctx, r.cfg)
	if err != nil {
		return aws.Config{}, fmt.Errorf("bootstrap: load AWS config: %w", err)
	}
	r.awsCfg = &awsCfg
	return awsCfg, nil
}

// Close releases every opened client.
func (r *Resources) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.redis != nil {
			if err := r.redis.Close(); err != nil {
				r.logger.Warn("failed to close redis client", "error", err)
			}
		}
		if r.pool != nil {
			r.pool.Close()
		}
	})
}
