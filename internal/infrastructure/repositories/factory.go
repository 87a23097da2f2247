package repositories

import (
	"context"
	"time"

	"proxcall/internal/core/ports"
	"proxcall/internal/infrastructure/repositories/memory"
	redisrepo "proxcall/internal/infrastructure/repositories/redis"
	"proxcall/pkg/circuitbreaker"
	"proxcall/pkg/config"
	"proxcall/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	breaker     *circuitbreaker.CircuitBreaker
	prefix      string
	positionTTL time.Duration
	callLogTTL  time.Duration
	logger      *zap.SugaredLogger

	memoryLogs  []*memory.CallLog
	writeBehind []*WriteBehindPositionStore
}

const (
	positionFlushInterval = 250 * time.Millisecond
	positionFlushSize     = 512
)

// NewRepositoryFactory connects to Redis when enabled and falls back to
// memory repositories if it cannot.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:    cfg.Redis.Enabled,
		prefix:      cfg.Redis.KeyPrefix,
		positionTTL: cfg.Redis.PositionTTL,
		callLogTTL:  cfg.Call.CompletedLogTTL,
		logger:      logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, retry.DefaultConfig(), logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			factory.breaker = newBackendBreaker("redis", logger)
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

// UsesRedis reports whether redis was reachable at startup.
func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// CreatePositionStore returns the position store for the selected backend.
func (f *RepositoryFactory) CreatePositionStore() ports.PositionStore {
	if f.UsesRedis() {
		guarded := NewGuardedPositionStore(redisrepo.NewPositionStore(f.redisClient, f.prefix, f.positionTTL), f.breaker)
		store := NewWriteBehindPositionStore(guarded, positionFlushSize, positionFlushInterval, f.logger)
		f.writeBehind = append(f.writeBehind, store)
		return store
	}
	return memory.NewPositionStore()
}

// CreateCallLog returns the completed-call log for the selected backend.
func (f *RepositoryFactory) CreateCallLog() ports.CallLog {
	if f.UsesRedis() {
		return NewGuardedCallLog(redisrepo.NewCallLog(f.redisClient, f.prefix, f.callLogTTL), f.breaker)
	}
	log := memory.NewCallLog(f.callLogTTL)
	f.memoryLogs = append(f.memoryLogs, log)
	return log
}

// Close flushes pending position writes, then releases the Redis
// connection and stops memory cache sweepers.
func (f *RepositoryFactory) Close() error {
	for _, s := range f.writeBehind {
		s.Close()
	}
	for _, l := range f.memoryLogs {
		l.Close()
	}
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
