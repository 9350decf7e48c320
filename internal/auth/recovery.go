package auth

import (
	"context"
	"sync"
	"time"
)

// RecoveryTokenRegistry is the single source of truth for a token's used flag.
type RecoveryTokenRegistry interface {
	Create(ctx context.Context, token RecoveryToken) error
	GetByValue(ctx context.Context, value string) (RecoveryToken, bool, error)
	// RecentCount counts tokens for key issued strictly after since.
	RecentCount(ctx context.Context, key IdentityKey, since time.Time) (int, error)
	InvalidateAll(ctx context.Context, key IdentityKey) error
	MarkUsed(ctx context.Context, value string) error
}

type MemoryRecoveryRegistry struct {
	mu         sync.Mutex
	tokens     map[string]*RecoveryToken
	byIdentity map[IdentityKey][]string
}

func NewMemoryRecoveryRegistry() *MemoryRecoveryRegistry {
	return &MemoryRecoveryRegistry{
		tokens:     make(map[string]*RecoveryToken),
		byIdentity: make(map[IdentityKey][]string),
	}
}

func (r *MemoryRecoveryRegistry) Create(_ context.Context, token RecoveryToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token.Used = false
	if _, exists := r.tokens[token.Value]; !exists {
		r.byIdentity[token.Key] = append(r.byIdentity[token.Key], token.Value)
	}
	r.tokens[token.Value] = &token
	return nil
}

func (r *MemoryRecoveryRegistry) GetByValue(_ context.Context, value string) (RecoveryToken, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[value]
	if !ok {
		return RecoveryToken{}, false, nil
	}
	return *token, true, nil
}

func (r *MemoryRecoveryRegistry) RecentCount(_ context.Context, key IdentityKey, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, value := range r.byIdentity[key] {
		if token := r.tokens[value]; token != nil && token.IssuedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRecoveryRegistry) InvalidateAll(_ context.Context, key IdentityKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, value := range r.byIdentity[key] {
		if token := r.tokens[value]; token != nil {
			token.Used = true
		}
	}
	return nil
}

func (r *MemoryRecoveryRegistry) MarkUsed(_ context.Context, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token, ok := r.tokens[value]; ok {
		token.Used = true
	}
	return nil
}

// PruneIssuedBefore forgets tokens issued before the cutoff.
func (r *MemoryRecoveryRegistry) PruneIssuedBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for key, values := range r.byIdentity {
		kept := values[:0]
		for _, value := range values {
			token := r.tokens[value]
			if token != nil && token.IssuedAt.Before(before) {
				delete(r.tokens, value)
				deleted++
				continue
			}
			kept = append(kept, value)
		}
		if len(kept) == 0 {
			delete(r.byIdentity, key)
			continue
		}
		r.byIdentity[key] = kept
	}
	return deleted, nil
}
