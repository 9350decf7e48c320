package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"authcore/internal/auth"
)

// deactivateIfPresentLua clears the active flag without recreating a missing hash.
// KEYS[1] = session hash
var deactivateIfPresentLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'active', '0')
return 1
`)

// SessionRegistry stores each session as a hash plus a set of session ids per
// identity. Entries expire after ttl; zero keeps them forever.
type SessionRegistry struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewSessionRegistry(client redis.UniversalClient, prefix string, ttl time.Duration) *SessionRegistry {
	if prefix == "" {
		prefix = "auth:sessions"
	}
	return &SessionRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *SessionRegistry) sessionKey(id string) string {
	return r.prefix + ":id:" + id
}

func (r *SessionRegistry) identityKey(key auth.IdentityKey) string {
	return r.prefix + ":identity:" + string(key)
}

func (r *SessionRegistry) Create(ctx context.Context, session auth.Session) error {
	sessionKey := r.sessionKey(session.ID)
	indexKey := r.identityKey(session.Key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey)
		pipe.HSet(ctx, sessionKey, map[string]any{
			"key":            string(session.Key),
			"user_type":      string(session.UserType),
			"login_at":       session.LoginAt.UnixNano(),
			"last_access_at": session.LastAccessAt.UnixNano(),
			"ip":             session.Origin.IP,
			"user_agent":     session.Origin.UserAgent,
			"stay_signed_in": boolField(session.StaySignedIn),
			"bearer_token":   session.BearerToken,
			"active":         "1",
		})
		pipe.SAdd(ctx, indexKey, session.ID)
		if r.ttl > 0 {
			pipe.Expire(ctx, sessionKey, r.ttl)
			pipe.Expire(ctx, indexKey, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}
	return nil
}

func (r *SessionRegistry) GetByID(ctx context.Context, sessionID string) (auth.Session, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return auth.Session{}, false, fmt.Errorf("redis get session: %w", err)
	}
	if len(fields) == 0 {
		return auth.Session{}, false, nil
	}
	session, err := parseSession(sessionID, fields)
	if err != nil {
		return auth.Session{}, false, err
	}
	return session, true, nil
}

func (r *SessionRegistry) ActiveByIdentity(ctx context.Context, key auth.IdentityKey) ([]auth.Session, error) {
	ids, err := r.client.SMembers(ctx, r.identityKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load sessions: %w", err)
	}

	var active []auth.Session
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		session, err := parseSession(ids[i], fields)
		if err != nil {
			return nil, err
		}
		if session.Active {
			active = append(active, session)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].LoginAt.Equal(active[j].LoginAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].LoginAt.Before(active[j].LoginAt)
	})
	return active, nil
}

func (r *SessionRegistry) Terminate(ctx context.Context, sessionID string) error {
	if err := deactivateIfPresentLua.Run(ctx, r.client, []string{r.sessionKey(sessionID)}).Err(); err != nil {
		return fmt.Errorf("redis terminate session: %w", err)
	}
	return nil
}

func (r *SessionRegistry) TerminateAll(ctx context.Context, key auth.IdentityKey) error {
	ids, err := r.client.SMembers(ctx, r.identityKey(key)).Result()
	if err != nil {
		return fmt.Errorf("redis list sessions: %w", err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			deactivateIfPresentLua.Eval(ctx, pipe, []string{r.sessionKey(id)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis terminate sessions: %w", err)
	}
	return nil
}

func parseSession(id string, fields map[string]string) (auth.Session, error) {
	loginAt, err := parseNanos(fields["login_at"])
	if err != nil {
		return auth.Session{}, fmt.Errorf("parse session login_at: %w", err)
	}
	lastAccess, err := parseNanos(fields["last_access_at"])
	if err != nil {
		return auth.Session{}, fmt.Errorf("parse session last_access_at: %w", err)
	}
	return auth.Session{
		ID:           id,
		Key:          auth.IdentityKey(fields["key"]),
		UserType:     auth.UserType(fields["user_type"]),
		LoginAt:      loginAt,
		LastAccessAt: lastAccess,
		Origin:       auth.AccessOrigin{IP: fields["ip"], UserAgent: fields["user_agent"]},
		StaySignedIn: fields["stay_signed_in"] == "1",
		BearerToken:  fields["bearer_token"],
		Active:       fields["active"] == "1",
	}, nil
}

func parseNanos(raw string) (time.Time, error) {
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

var _ auth.SessionRegistry = (*SessionRegistry)(nil)
