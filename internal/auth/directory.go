package auth

import (
	"context"
	"strings"
	"sync"
)

// IdentityDirectory is the registration side's identity store as seen by the core.
type IdentityDirectory interface {
	FindByEmail(ctx context.Context, userType UserType, email string) (Identity, bool, error)
	FindByID(ctx context.Context, userType UserType, id int64) (Identity, bool, error)
	UpdatePasswordDigest(ctx context.Context, userType UserType, id int64, digest string) (Identity, bool, error)
}

// IdentityWriter is implemented by directories that can seed identities at startup.
type IdentityWriter interface {
	UpsertIdentity(ctx context.Context, identity Identity) (Identity, error)
}

// MemoryDirectory is a volatile directory indexed by email per user type.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[UserType]map[int64]Identity
	byEmail map[UserType]map[string]int64
	nextID  map[UserType]int64
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:    make(map[UserType]map[int64]Identity),
		byEmail: make(map[UserType]map[string]int64),
		nextID:  make(map[UserType]int64),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Add stores identity, assigning the next id for its user type when ID is zero.
func (d *MemoryDirectory) Add(identity Identity) Identity {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.put(identity)
}

func (d *MemoryDirectory) put(identity Identity) Identity {
	if d.byID[identity.UserType] == nil {
		d.byID[identity.UserType] = make(map[int64]Identity)
		d.byEmail[identity.UserType] = make(map[string]int64)
	}
	if identity.ID == 0 {
		d.nextID[identity.UserType]++
		identity.ID = d.nextID[identity.UserType]
	} else if identity.ID > d.nextID[identity.UserType] {
		d.nextID[identity.UserType] = identity.ID
	}
	if previous, ok := d.byID[identity.UserType][identity.ID]; ok {
		delete(d.byEmail[identity.UserType], normalizeEmail(previous.Email))
	}
	d.byID[identity.UserType][identity.ID] = identity
	d.byEmail[identity.UserType][normalizeEmail(identity.Email)] = identity.ID
	return identity
}

func (d *MemoryDirectory) UpsertIdentity(_ context.Context, identity Identity) (Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.byEmail[identity.UserType][normalizeEmail(identity.Email)]; ok {
		identity.ID = id
	}
	return d.put(identity), nil
}

func (d *MemoryDirectory) FindByEmail(_ context.Context, userType UserType, email string) (Identity, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byEmail[userType][normalizeEmail(email)]
	if !ok {
		return Identity{}, false, nil
	}
	identity, ok := d.byID[userType][id]
	return identity, ok, nil
}

func (d *MemoryDirectory) FindByID(_ context.Context, userType UserType, id int64) (Identity, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	identity, ok := d.byID[userType][id]
	return identity, ok, nil
}

func (d *MemoryDirectory) UpdatePasswordDigest(_ context.Context, userType UserType, id int64, digest string) (Identity, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	identity, ok := d.byID[userType][id]
	if !ok {
		return Identity{}, false, nil
	}
	identity.PasswordDigest = digest
	d.byID[userType][id] = identity
	return identity, true, nil
}
