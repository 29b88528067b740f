package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/paymentflow/internal/infrastructure/config"
	"github.com/cassiomorais/paymentflow/pkg/retry"
	"github.com/redis/go-redis/v9"
)

// Options maps config onto client options. Lock and stream commands are
// short, so reads and writes get tight timeouts; XREADGROUP blocking is
// bounded separately by the consumer's block duration.
func Options(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// NewClient connects and pings with exponential backoff.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(Options(cfg))

	attempts := cfg.ConnectRetries
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.ConnectRetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  uint(attempts),
		InitialDelay: delay,
		MaxDelay:     10 * delay,
		Multiplier:   2,
	}, nil, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis at %s unreachable after %d attempts: %w", cfg.RedisAddr(), attempts, err)
	}
	return client, nil
}
