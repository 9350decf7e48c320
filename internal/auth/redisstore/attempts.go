package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"authcore/internal/auth"
)

const defaultAttemptRetention = 30 * 24 * time.Hour

// lockIfPresentLua sets the lockout on an existing record only.
// KEYS[1] = attempt hash, ARGV[1] = locked_until (unix nanos), ARGV[2] = ttl (ms)
var lockIfPresentLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'locked_until', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// AttemptTracker keeps one hash per identity key. Records expire after the
// retention period, so no maintenance sweep is needed.
type AttemptTracker struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewAttemptTracker(client redis.UniversalClient, prefix string, retention time.Duration) *AttemptTracker {
	if prefix == "" {
		prefix = "auth:attempts"
	}
	if retention <= 0 {
		retention = defaultAttemptRetention
	}
	return &AttemptTracker{client: client, prefix: prefix, retention: retention}
}

func (t *AttemptTracker) key(key auth.IdentityKey) string {
	return t.prefix + ":" + string(key)
}

func (t *AttemptTracker) RecordFailure(ctx context.Context, key auth.IdentityKey, at time.Time) error {
	redisKey := t.key(key)
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, redisKey, "failures", 1)
		pipe.HSet(ctx, redisKey, "last_failure", at.UnixNano())
		pipe.Expire(ctx, redisKey, t.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record failure: %w", err)
	}
	return nil
}

func (t *AttemptTracker) Reset(ctx context.Context, key auth.IdentityKey) error {
	if err := t.client.Del(ctx, t.key(key)).Err(); err != nil {
		return fmt.Errorf("redis reset attempts: %w", err)
	}
	return nil
}

func (t *AttemptTracker) Lock(ctx context.Context, key auth.IdentityKey, until time.Time) error {
	err := lockIfPresentLua.Run(ctx, t.client, []string{t.key(key)}, until.UnixNano(), t.retention.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis lock attempts: %w", err)
	}
	return nil
}

func (t *AttemptTracker) Get(ctx context.Context, key auth.IdentityKey) (auth.LoginAttempt, bool, error) {
	fields, err := t.client.HGetAll(ctx, t.key(key)).Result()
	if err != nil {
		return auth.LoginAttempt{}, false, fmt.Errorf("redis get attempts: %w", err)
	}
	if len(fields) == 0 {
		return auth.LoginAttempt{}, false, nil
	}

	attempt := auth.LoginAttempt{Key: key}
	if attempt.Failures, err = strconv.Atoi(fields["failures"]); err != nil {
		return auth.LoginAttempt{}, false, fmt.Errorf("parse failures: %w", err)
	}
	if raw, ok := fields["last_failure"]; ok {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return auth.LoginAttempt{}, false, fmt.Errorf("parse last failure: %w", err)
		}
		attempt.LastFailure = time.Unix(0, nanos).UTC()
	}
	if raw, ok := fields["locked_until"]; ok {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return auth.LoginAttempt{}, false, fmt.Errorf("parse locked until: %w", err)
		}
		until := time.Unix(0, nanos).UTC()
		attempt.LockedUntil = &until
	}
	return attempt, true, nil
}

var _ auth.AttemptTracker = (*AttemptTracker)(nil)
