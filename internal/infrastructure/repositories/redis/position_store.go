package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// PositionStore keeps one JSON snapshot per user under <prefix>position:<id>
// with a sliding TTL so abandoned users age out.
type PositionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPositionStore stores one snapshot per user under prefix, expiring after ttl.
func NewPositionStore(client *redis.Client, prefix string, ttl time.Duration) *PositionStore {
	return &PositionStore{
		client: client,
		prefix: prefix + "position:",
		ttl:    ttl,
	}
}

func (s *PositionStore) key(id domain.UserID) string {
	return s.prefix + string(id)
}

func (s *PositionStore) Save(ctx context.Context, user domain.TrackedUser) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "position.save", "redis")
	defer span.End()

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if err := s.client.Set(ctx, s.key(user.UserID), data, s.ttl).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to store position in Redis: %w", err)
	}
	return nil
}

func (s *PositionStore) Load(ctx context.Context, id domain.UserID) (*domain.TrackedUser, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "position.load", "redis")
	defer span.End()

	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get position from Redis: %w", err)
	}

	var user domain.TrackedUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return &user, nil
}

func (s *PositionStore) Delete(ctx context.Context, id domain.UserID) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete position from Redis: %w", err)
	}
	return nil
}

// SaveMany writes several snapshots in one pipeline round trip.
func (s *PositionStore) SaveMany(ctx context.Context, users []domain.TrackedUser) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "position.save_many", "redis")
	defer span.End()

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, user := range users {
			data, err := json.Marshal(user)
			if err != nil {
				return fmt.Errorf("failed to marshal position of %s: %w", user.UserID, err)
			}
			pipe.Set(ctx, s.key(user.UserID), data, s.ttl)
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to store positions in Redis: %w", err)
	}
	return nil
}
