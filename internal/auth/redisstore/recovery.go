package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"authcore/internal/auth"
)

const defaultRecoveryRetention = 7 * 24 * time.Hour

// markUsedIfPresentLua flips the used flag on an existing token hash only.
// KEYS[1] = token hash
var markUsedIfPresentLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'used', '1')
return 1
`)

// RecoveryRegistry keeps one hash per token value and a sorted set of values
// per identity scored by issue time in microseconds. Both expire after the retention period,
// which must exceed the request quota window.
type RecoveryRegistry struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRecoveryRegistry(client redis.UniversalClient, prefix string, retention time.Duration) *RecoveryRegistry {
	if prefix == "" {
		prefix = "auth:recovery"
	}
	if retention <= 0 {
		retention = defaultRecoveryRetention
	}
	return &RecoveryRegistry{client: client, prefix: prefix, retention: retention}
}

func (r *RecoveryRegistry) tokenKey(value string) string {
	return r.prefix + ":token:" + value
}

func (r *RecoveryRegistry) identityKey(key auth.IdentityKey) string {
	return r.prefix + ":identity:" + string(key)
}

func (r *RecoveryRegistry) Create(ctx context.Context, token auth.RecoveryToken) error {
	tokenKey := r.tokenKey(token.Value)
	indexKey := r.identityKey(token.Key)
	cutoff := token.IssuedAt.Add(-r.retention).UnixMicro()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tokenKey)
		pipe.HSet(ctx, tokenKey, map[string]any{
			"key":        string(token.Key),
			"issued_at":  token.IssuedAt.UnixNano(),
			"expires_at": token.ExpiresAt.UnixNano(),
			"used":       "0",
		})
		pipe.Expire(ctx, tokenKey, r.retention)
		pipe.ZRemRangeByScore(ctx, indexKey, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(token.IssuedAt.UnixMicro()), Member: token.Value})
		pipe.Expire(ctx, indexKey, r.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create recovery token: %w", err)
	}
	return nil
}

func (r *RecoveryRegistry) GetByValue(ctx context.Context, value string) (auth.RecoveryToken, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.tokenKey(value)).Result()
	if err != nil {
		return auth.RecoveryToken{}, false, fmt.Errorf("redis get recovery token: %w", err)
	}
	if len(fields) == 0 {
		return auth.RecoveryToken{}, false, nil
	}

	issuedAt, err := parseNanos(fields["issued_at"])
	if err != nil {
		return auth.RecoveryToken{}, false, fmt.Errorf("parse recovery issued_at: %w", err)
	}
	expiresAt, err := parseNanos(fields["expires_at"])
	if err != nil {
		return auth.RecoveryToken{}, false, fmt.Errorf("parse recovery expires_at: %w", err)
	}
	return auth.RecoveryToken{
		Key:       auth.IdentityKey(fields["key"]),
		Value:     value,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Used:      fields["used"] == "1",
	}, true, nil
}

func (r *RecoveryRegistry) RecentCount(ctx context.Context, key auth.IdentityKey, since time.Time) (int, error) {
	floor := "(" + strconv.FormatInt(since.UnixMicro(), 10)
	count, err := r.client.ZCount(ctx, r.identityKey(key), floor, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis count recovery tokens: %w", err)
	}
	return int(count), nil
}

func (r *RecoveryRegistry) InvalidateAll(ctx context.Context, key auth.IdentityKey) error {
	values, err := r.client.ZRange(ctx, r.identityKey(key), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis list recovery tokens: %w", err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, value := range values {
			markUsedIfPresentLua.Eval(ctx, pipe, []string{r.tokenKey(value)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate recovery tokens: %w", err)
	}
	return nil
}

func (r *RecoveryRegistry) MarkUsed(ctx context.Context, value string) error {
	if err := markUsedIfPresentLua.Run(ctx, r.client, []string{r.tokenKey(value)}).Err(); err != nil {
		return fmt.Errorf("redis mark recovery token used: %w", err)
	}
	return nil
}

var _ auth.RecoveryTokenRegistry = (*RecoveryRegistry)(nil)
