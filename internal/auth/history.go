package auth

import (
	"context"
	"sort"
	"sync"
)

// PasswordHistoryLimit is the number of previous digests retained per identity.
const PasswordHistoryLimit = 5

type PasswordHistory interface {
	// RecentFor returns up to PasswordHistoryLimit entries, most recent first.
	RecentFor(ctx context.Context, key IdentityKey) ([]PasswordHistoryEntry, error)
	Add(ctx context.Context, entry PasswordHistoryEntry) error
	// EvictOldest removes the entry with the earliest CreatedAt, if any.
	EvictOldest(ctx context.Context, key IdentityKey) error
}

type MemoryPasswordHistory struct {
	mu      sync.Mutex
	entries map[IdentityKey][]PasswordHistoryEntry
}

func NewMemoryPasswordHistory() *MemoryPasswordHistory {
	return &MemoryPasswordHistory{entries: make(map[IdentityKey][]PasswordHistoryEntry)}
}

func (h *MemoryPasswordHistory) RecentFor(_ context.Context, key IdentityKey) ([]PasswordHistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append([]PasswordHistoryEntry(nil), h.entries[key]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > PasswordHistoryLimit {
		entries = entries[:PasswordHistoryLimit]
	}
	return entries, nil
}

func (h *MemoryPasswordHistory) Add(_ context.Context, entry PasswordHistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[entry.Key] = append(h.entries[entry.Key], entry)
	return nil
}

func (h *MemoryPasswordHistory) EvictOldest(_ context.Context, key IdentityKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.entries[key]
	if len(entries) == 0 {
		return nil
	}
	oldest := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[oldest].CreatedAt) {
			oldest = i
		}
	}
	h.entries[key] = append(entries[:oldest], entries[oldest+1:]...)
	return nil
}

// RecentlyUsed reports whether candidate matches any retained digest.
func RecentlyUsed(entries []PasswordHistoryEntry, candidate string, hasher PasswordHasher) (bool, error) {
	for _, entry := range entries {
		match, err := hasher.Verify(candidate, entry.Digest)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}
