package redis

import (
	"context"
	"fmt"
	"time"

	"proxcall/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient creates a pooled client and waits, with backoff, until the
// server answers PING.
func NewRedisClient(ctx context.Context, opts ClientOptions, retryCfg retry.Config, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	err := retry.Retry(ctx, retryCfg, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			if logger != nil {
				logger.Debugw("redis ping failed", "address", opts.Address, "error", err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
		)
	}

	return client, nil
}
