package repositories

import (
	"context"
	"testing"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/internal/infrastructure/repositories/memory"
	"proxcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_MemoryByDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	f := NewRepositoryFactory(context.Background(), cfg, zaptest.NewLogger(t).Sugar())
	defer f.Close()

	assert.False(t, f.UsesRedis())
	assert.IsType(t, &memory.PositionStore{}, f.CreatePositionStore())
	assert.IsType(t, &memory.CallLog{}, f.CreateCallLog())
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1" // nothing listens here

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f := NewRepositoryFactory(ctx, cfg, zaptest.NewLogger(t).Sugar())
	defer f.Close()

	assert.False(t, f.UsesRedis())

	store := f.CreatePositionStore()
	require.NoError(t, store.Save(ctx, domain.TrackedUser{UserID: "alice", IsAvailable: true}))
	loaded, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.IsAvailable)
}
