package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// CallLog stores each ended call as an expiring JSON key and indexes it in
// a sorted set scored by end time.
type CallLog struct {
	client   *redis.Client
	callKey  string
	indexKey string
	ttl      time.Duration
}

// NewCallLog keeps completed calls for ttl and indexes them by end time.
func NewCallLog(client *redis.Client, prefix string, ttl time.Duration) *CallLog {
	return &CallLog{
		client:   client,
		callKey:  prefix + "call:",
		indexKey: prefix + "calls:ended",
		ttl:      ttl,
	}
}

func (l *CallLog) Record(ctx context.Context, call domain.CallSession) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "call.record", "redis")
	defer span.End()

	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}

	ended := time.Now()
	if call.EndedAt != nil {
		ended = *call.EndedAt
	}
	cutoff := ended.Add(-l.ttl).UnixMilli()

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.callKey+string(call.ID), data, l.ttl)
		pipe.ZAdd(ctx, l.indexKey, redis.Z{Score: float64(ended.UnixMilli()), Member: string(call.ID)})
		pipe.ZRemRangeByScore(ctx, l.indexKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to record call in Redis: %w", err)
	}
	return nil
}

// Get returns ErrCallNotFound for unknown or expired calls.
func (l *CallLog) Get(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	data, err := l.client.Get(ctx, l.callKey+string(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call from Redis: %w", err)
	}

	var call domain.CallSession
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	return &call, nil
}

// Recent returns up to limit calls, newest first.
func (l *CallLog) Recent(ctx context.Context, limit int) ([]domain.CallSession, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "call.recent", "redis")
	defer span.End()

	ids, err := l.client.ZRevRange(ctx, l.indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent calls: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = l.callKey + id
	}
	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load recent calls: %w", err)
	}

	calls := make([]domain.CallSession, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between ZREVRANGE and MGET
		}
		var call domain.CallSession
		if err := json.Unmarshal([]byte(raw), &call); err != nil {
			continue
		}
		calls = append(calls, call)
	}
	return calls, nil
}
