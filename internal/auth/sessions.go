package auth

import (
	"context"
	"sync"
)

// SessionRegistry keeps every session ever created; termination only flips Active.
type SessionRegistry interface {
	Create(ctx context.Context, session Session) error
	GetByID(ctx context.Context, sessionID string) (Session, bool, error)
	ActiveByIdentity(ctx context.Context, key IdentityKey) ([]Session, error)
	Terminate(ctx context.Context, sessionID string) error
	TerminateAll(ctx context.Context, key IdentityKey) error
}

type MemorySessionRegistry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[IdentityKey][]string
}

func NewMemorySessionRegistry() *MemorySessionRegistry {
	return &MemorySessionRegistry{
		sessions:   make(map[string]*Session),
		byIdentity: make(map[IdentityKey][]string),
	}
}

func (r *MemorySessionRegistry) Create(_ context.Context, session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session.Active = true
	if _, exists := r.sessions[session.ID]; !exists {
		r.byIdentity[session.Key] = append(r.byIdentity[session.Key], session.ID)
	}
	r.sessions[session.ID] = &session
	return nil
}

func (r *MemorySessionRegistry) GetByID(_ context.Context, sessionID string) (Session, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false, nil
	}
	return *session, true, nil
}

func (r *MemorySessionRegistry) ActiveByIdentity(_ context.Context, key IdentityKey) ([]Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []Session
	for _, id := range r.byIdentity[key] {
		if session := r.sessions[id]; session != nil && session.Active {
			active = append(active, *session)
		}
	}
	return active, nil
}

func (r *MemorySessionRegistry) Terminate(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[sessionID]; ok {
		session.Active = false
	}
	return nil
}

func (r *MemorySessionRegistry) TerminateAll(_ context.Context, key IdentityKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.byIdentity[key] {
		if session := r.sessions[id]; session != nil {
			session.Active = false
		}
	}
	return nil
}
