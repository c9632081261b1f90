package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/config"
)

const scanBatch = 500

// NewRedisClient builds a go-redis client from config and checks connectivity.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	// Connection pool settings
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConn
	opts.ConnMaxLifetime = 30 * time.Minute
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.PoolTimeout = 10 * time.Second

	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opts)

	if err := pingWithRetry(ctx, client, cfg.MaxRetries, logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to establish Redis connection: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}

func pingWithRetry(ctx context.Context, client *redis.Client, maxRetries int, logger *zap.Logger) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}

		backoff := time.Duration(attempt) * time.Second
		logger.Warn("Redis connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// RedisStore implements Store on top of a go-redis client.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// List walks the keyspace with SCAN so large caches never block Redis.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
		}
		keys = append(keys, batch...)

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
