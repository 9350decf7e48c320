package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"authcore/internal/auth"
)

// PasswordHistory keeps a list per identity, newest entry at the head.
// Entries are appended in CreatedAt order, so the tail is always the oldest.
type PasswordHistory struct {
	client redis.UniversalClient
	prefix string
}

func NewPasswordHistory(client redis.UniversalClient, prefix string) *PasswordHistory {
	if prefix == "" {
		prefix = "auth:history"
	}
	return &PasswordHistory{client: client, prefix: prefix}
}

func (h *PasswordHistory) key(key auth.IdentityKey) string {
	return h.prefix + ":" + string(key)
}

func (h *PasswordHistory) RecentFor(ctx context.Context, key auth.IdentityKey) ([]auth.PasswordHistoryEntry, error) {
	raw, err := h.client.LRange(ctx, h.key(key), 0, auth.PasswordHistoryLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read password history: %w", err)
	}

	entries := make([]auth.PasswordHistoryEntry, 0, len(raw))
	for _, item := range raw {
		nanos, digest, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("malformed password history entry")
		}
		createdAt, err := parseNanos(nanos)
		if err != nil {
			return nil, fmt.Errorf("parse password history created_at: %w", err)
		}
		entries = append(entries, auth.PasswordHistoryEntry{Key: key, Digest: digest, CreatedAt: createdAt})
	}
	return entries, nil
}

func (h *PasswordHistory) Add(ctx context.Context, entry auth.PasswordHistoryEntry) error {
	item := strconv.FormatInt(entry.CreatedAt.UnixNano(), 10) + ":" + entry.Digest
	if err := h.client.LPush(ctx, h.key(entry.Key), item).Err(); err != nil {
		return fmt.Errorf("redis add password history: %w", err)
	}
	return nil
}

func (h *PasswordHistory) EvictOldest(ctx context.Context, key auth.IdentityKey) error {
	err := h.client.RPop(ctx, h.key(key)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis evict password history: %w", err)
	}
	return nil
}

var _ auth.PasswordHistory = (*PasswordHistory)(nil)
