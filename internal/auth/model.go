package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type UserType string

const (
	UserTypeClient       UserType = "cliente"
	UserTypeProfessional UserType = "profissional"
	UserTypeAdmin        UserType = "administrador"
)

func (t UserType) Valid() bool {
	switch t {
	case UserTypeClient, UserTypeProfessional, UserTypeAdmin:
		return true
	}
	return false
}

// AccountStatus values keep the wire strings stored by the registration side.
type AccountStatus string

const (
	StatusActive   AccountStatus = "ativo"
	StatusInactive AccountStatus = "inativo"
	StatusPending  AccountStatus = "pendente_validacao"
	StatusBlocked  AccountStatus = "bloqueado"
	StatusRejected AccountStatus = "reprovado"
)

type AuthMethod string

const (
	AuthMethodDirect   AuthMethod = "direto"
	AuthMethodGoogle   AuthMethod = "google"
	AuthMethodFacebook AuthMethod = "facebook"
	AuthMethodApple    AuthMethod = "apple"
)

func (m AuthMethod) Valid() bool {
	switch m {
	case AuthMethodDirect, AuthMethodGoogle, AuthMethodFacebook, AuthMethodApple:
		return true
	}
	return false
}

type LogoutScope string

const (
	LogoutCurrent LogoutScope = "atual"
	LogoutAll     LogoutScope = "todos"
)

// IdentityKey is the composite "<userType>_<id>" key shared by every store.
type IdentityKey string

func NewIdentityKey(userType UserType, id int64) IdentityKey {
	return IdentityKey(fmt.Sprintf("%s_%d", userType, id))
}

// Parse splits the key back into its user type and numeric id.
func (k IdentityKey) Parse() (UserType, int64, bool) {
	idx := strings.LastIndexByte(string(k), '_')
	if idx <= 0 || idx == len(k)-1 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(string(k[idx+1:]), 10, 64)
	if err != nil {
		return "", 0, false
	}
	return UserType(k[:idx]), id, true
}

// Identity is owned by the registration/profile side; the core only reads it
// and overwrites PasswordDigest during a recovery reset.
type Identity struct {
	ID               int64
	UserType         UserType
	Email            string
	PasswordDigest   string
	Status           AccountStatus
	TwoFactorEnabled bool
	FullName         string
	PhotoURL         *string
}

func (i Identity) Key() IdentityKey {
	return NewIdentityKey(i.UserType, i.ID)
}

type LoginAttempt struct {
	Key         IdentityKey
	Failures    int
	LastFailure time.Time
	LockedUntil *time.Time
}

// LockedAt reports whether the lockout is still in force at now.
func (a LoginAttempt) LockedAt(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

type AccessOrigin struct {
	IP        string
	UserAgent string
}

type Session struct {
	ID           string
	Key          IdentityKey
	UserType     UserType
	LoginAt      time.Time
	LastAccessAt time.Time
	Origin       AccessOrigin
	StaySignedIn bool
	BearerToken  string
	Active       bool
}

type RecoveryToken struct {
	Key       IdentityKey
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Used      bool
}

type TokenState int

const (
	TokenValid TokenState = iota
	TokenExpired
	TokenUsed
)

func (s TokenState) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	case TokenUsed:
		return "used"
	}
	return "unknown"
}

// State derives the lifecycle state. Used wins over expired; expiry is never stored.
func (t RecoveryToken) State(now time.Time) TokenState {
	if t.Used {
		return TokenUsed
	}
	if now.After(t.ExpiresAt) {
		return TokenExpired
	}
	return TokenValid
}

type PasswordHistoryEntry struct {
	Key       IdentityKey
	Digest    string
	CreatedAt time.Time
}

type LoginInput struct {
	Email         string
	Password      string
	UserType      UserType
	StaySignedIn  bool
	TwoFactorCode *string
	Method        AuthMethod
	Origin        AccessOrigin
}

type IdentityProjection struct {
	ID       int64   `json:"id"`
	FullName string  `json:"nome_completo"`
	Email    string  `json:"email"`
	PhotoURL *string `json:"foto_perfil"`
}

type LoginResult struct {
	BearerToken  string             `json:"token_acesso"`
	SessionID    string             `json:"sessao_id"`
	UserType     UserType           `json:"tipo_usuario"`
	Identity     IdentityProjection `json:"usuario"`
	LastAccessAt time.Time          `json:"ultimo_acesso"`
}

type LogoutInput struct {
	Key       IdentityKey
	SessionID string
	Scope     LogoutScope
}

type RecoveryRequestInput struct {
	Email    string
	UserType UserType
}

// RecoveryResetInput arrives with the confirmation already matched upstream.
type RecoveryResetInput struct {
	Token       string
	NewPassword string
}

type Confirmation struct {
	Message string `json:"message"`
}
