package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"authcore/internal/auth"
)

// WindowStore is a sliding-window hit counter on Redis sorted sets scored by
// unix milliseconds.
type WindowStore struct {
	client redis.UniversalClient
	prefix string
}

func NewWindowStore(client redis.UniversalClient, prefix string) *WindowStore {
	if prefix == "" {
		prefix = "auth:ratelimit"
	}
	return &WindowStore{client: client, prefix: prefix}
}

func (s *WindowStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	redisKey := s.prefix + ":" + key
	threshold := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	var count *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", threshold)
		count = pipe.ZCard(ctx, redisKey)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("redis trim window: %w", err)
	}

	if int(count.Val()) >= limit {
		oldest, err := s.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		if err != nil {
			return false, 0, fmt.Errorf("redis oldest hit: %w", err)
		}
		retryAfter := time.Second
		if len(oldest) == 1 {
			retryAfter = auth.RetryAfter(time.UnixMilli(int64(oldest[0].Score)), window, now)
		}
		return false, retryAfter, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
		pipe.Expire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("redis record hit: %w", err)
	}
	return true, 0, nil
}

var _ auth.WindowStore = (*WindowStore)(nil)
