package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-with-at-least-32-bytes!!"

type capturingNotifier struct {
	mu     sync.Mutex
	tokens []RecoveryToken
	err    error
}

func (n *capturingNotifier) NotifyRecovery(_ context.Context, _ Identity, token RecoveryToken) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens = append(n.tokens, token)
	return n.err
}

func (n *capturingNotifier) last(t *testing.T) RecoveryToken {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.tokens, "no recovery token issued")
	return n.tokens[len(n.tokens)-1]
}

type fixture struct {
	now       time.Time
	directory *MemoryDirectory
	attempts  *MemoryAttemptTracker
	sessions  *MemorySessionRegistry
	recovery  *MemoryRecoveryRegistry
	history   *MemoryPasswordHistory
	hasher    PasswordHasher
	tokens    *TokenIssuer
	notifier  *capturingNotifier
	svc       *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithHasher(t, SHA256Hasher{}, opts...)
}

func newFixtureWithHasher(t *testing.T, hasher PasswordHasher, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		directory: NewMemoryDirectory(),
		attempts:  NewMemoryAttemptTracker(),
		sessions:  NewMemorySessionRegistry(),
		recovery:  NewMemoryRecoveryRegistry(),
		history:   NewMemoryPasswordHistory(),
		hasher:    hasher,
		notifier:  &capturingNotifier{},
	}
	clock := func() time.Time { return f.now }
	f.tokens = NewTokenIssuer(testSecret, 0, 0).WithClock(clock)

	all := append([]Option{WithClock(clock), WithRecoveryNotifier(f.notifier)}, opts...)
	svc, err := NewService(f.directory, Stores{
		Attempts: f.attempts,
		Sessions: f.sessions,
		Recovery: f.recovery,
		History:  f.history,
	}, f.hasher, f.tokens, all...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) addIdentity(t *testing.T, userType UserType, email, password string, status AccountStatus) Identity {
	t.Helper()
	digest, err := f.hasher.Hash(password)
	require.NoError(t, err)
	return f.directory.Add(Identity{
		UserType:       userType,
		Email:          email,
		PasswordDigest: digest,
		Status:         status,
		FullName:       "Maria Souza",
	})
}

func (f *fixture) login(email, password string, staySignedIn bool) (LoginResult, error) {
	return f.svc.Login(context.Background(), LoginInput{
		Email:        email,
		Password:     password,
		UserType:     UserTypeClient,
		StaySignedIn: staySignedIn,
		Method:       AuthMethodDirect,
		Origin:       AccessOrigin{IP: "10.0.0.1", UserAgent: "test"},
	})
}

func assertCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	var typed *Error
	require.True(t, errors.As(err, &typed), "expected *Error, got %T: %v", err, err)
	assert.Equal(t, code, typed.Code)
}

func TestNewService_RequiresDependencies(t *testing.T) {
	stores := NewMemoryStores()
	tokens := NewTokenIssuer(testSecret, 0, 0)

	tests := []struct {
		name      string
		directory IdentityDirectory
		stores    Stores
		hasher    PasswordHasher
		tokens    *TokenIssuer
		errMsg    string
	}{
		{"missing directory", nil, stores, SHA256Hasher{}, tokens, "identity directory"},
		{"missing attempts", NewMemoryDirectory(), Stores{Sessions: stores.Sessions, Recovery: stores.Recovery, History: stores.History}, SHA256Hasher{}, tokens, "attempt tracker"},
		{"missing hasher", NewMemoryDirectory(), stores, nil, tokens, "password hasher"},
		{"missing tokens", NewMemoryDirectory(), stores, SHA256Hasher{}, nil, "token issuer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(tt.directory, tt.stores, tt.hasher, tt.tokens)
			require.Error(t, err)
			assert.Nil(t, svc)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWithSecurityConfig_KeepsDefaultsForZeroValues(t *testing.T) {
	f := newFixture(t, WithSecurityConfig(Policy{MaxFailedAttempts: 3}))

	policy := f.svc.Policy()
	assert.Equal(t, 3, policy.MaxFailedAttempts)
	assert.Equal(t, 30*time.Minute, policy.LockoutDuration)
	assert.Equal(t, time.Hour, policy.RecoveryTokenTTL)
	assert.Equal(t, 3, policy.MaxRecoveryRequests)
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, UserTypeClient, "maria@example.com", "Senha@123", StatusActive)

	result, err := f.login("maria@example.com", "Senha@123", false)
	require.NoError(t, err)

	assert.NotEmpty(t, result.BearerToken)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, UserTypeClient, result.UserType)
	assert.Equal(t, identity.ID, result.Identity.ID)
	assert.Equal(t, "Maria Souza", result.Identity.FullName)
	assert.Equal(t, "maria@example.com", result.Identity.Email)
	assert.Equal(t, f.now, result.LastAccessAt)

	session, found, err := f.sessions.GetByID(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, session.Active)
	assert.Equal(t, identity.Key(), session.Key)
	assert.Equal(t, "10.0.0.1", session.Origin.IP)
	assert.Equal(t, result.BearerToken, session.BearerToken)

	claims, err := f.tokens.Parse(result.BearerToken)
	require.NoError(t, err)
	assert.Equal(t, string(identity.Key()), claims.Subject)
	assert.Equal(t, result.SessionID, claims.SessionID)
}

func TestLogin_EmailIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, UserTypeClient, "maria@example.com", "Senha@123", StatusActive)

	_, err := f.login("  MARIA@Example.com ", "Senha@123", false)
	require.NoError(t, err)
}

func TestLogin_UnknownIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.login("ghost@example.com", "Senha@123", false)
	assertCode(t, err, CodeInvalidCredentials)
}

func TestLogin_UserTypeIsolation(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, UserTypeProfessional, "pro@example.com", "Senha@123", StatusActive)

	_, err := f.login("pro@example.com", "Senha@123", false)
	assertCode(t, err, CodeInvalidCredentials)
}

func TestLogin_UnsupportedUserType(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(context.Background(), LoginInput{
		Email:    "admin@example.com",
		Password: "Senha@123",
		UserType: UserTypeAdmin,
	})
	assertCode(t, err, CodeValidation)
}

func TestLogin_LockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, UserTypeClient, "cliente@example.com", "Correta@1", StatusActive)
	require.Equal(t, IdentityKey("cliente_1"), identity.Key())

	for i := 1; i <= 4; i++ {
		_, err := f.login("cliente@example.com", "errada123", false)
		assertCode(t, err, CodeInvalidCredentials)
	}

	_, err := f.login("cliente@example.com", "errada123", false)
	assertCode(t, err, CodeTemporarilyBlocked)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "Conta bloqueada por 30 minutos devido a múltiplas tentativas incorretas", typed.Message)

	// Correct password during the lockout is still refused.
	_, err = f.login("cliente@example.com", "Correta@1", false)
	assertCode(t, err, CodeTemporarilyBlocked)
	assert.ErrorIs(t, err, ErrTemporarilyBlocked)

	f.advance(29 * time.Minute)
	_, err = f.login("cliente@example.com", "Correta@1", false)
	assertCode(t, err, CodeTemporarilyBlocked)

	attempt, found, err := f.attempts.Get(context.Background(), identity.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, attempt.Failures)
}

func TestLogin_LockoutExpiryClearsCounter(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, UserTypeClient, "cliente@example.com", "Correta@1", StatusActive)

	for i := 0; i < 5; i++ {
		_, _ = f.login("cliente@example.com", "errada123", false)
	}

	f.advance(30 * time.Minute)
	_, err := f.login("cliente@example.com", "errada123", false)
	assertCode(t, err, CodeInvalidCredentials)

	attempt, found, err := f.attempts.Get(context.Background(), identity.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, attempt.Failures)
	assert.Nil(t, attempt.LockedUntil)
}

func TestLogin_SuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, UserTypeClient, "cliente@example.com", "Correta@1", StatusActive)

	for i := 0; i < 4; i++ {
		_, _ = f.login("cliente@example.com", "errada123", false)
	}
	_, err := f.login("cliente@example.com", "Correta@1", false)
	require.NoError(t, err)

	_, found, err := f.attempts.Get(context.Background(), identity.Key())
	require.NoError(t, err)
	assert.False(t, found)

	for i := 0; i < 4; i++ {
		_, err := f.login("cliente@example.com", "errada123", false)
		assertCode(t, err, CodeInvalidCredentials)
	}
}

func TestLogin_ConfiguredLockout(t *testing.T) {
	f := newFixture(t, WithSecurityConfig(Policy{MaxFailedAttempts: 2, LockoutDuration: 10 * time.Minute}))
	f.addIdentity(t, UserTypeClient, "cliente@example.com", "Correta@1", StatusActive)

	_, err := f.login("cliente@example.com", "errada123", false)
	assertCode(t, err, CodeInvalidCredentials)
	_, err = f.login("cliente@example.com", "errada123", false)
	assertCode(t, err, CodeTemporarilyBlocked)
	assert.Contains(t, err.Error(), "10 minutos")
}

func TestLogin_ExternalMethodSkipsPasswordAndTracker(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, UserTypeClient, "social@example.com", "Correta@1", StatusActive)

	result, err := f.svc.Login(context.Background(), LoginInput{
		Email:    "social@example.com",
		Password: "ignorada1",
		UserType: UserTypeClient,
		Method:   AuthMethodGoogle,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)

	_, found, err := f.attempts.Get(context.Background(), identity.Key())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLogin_ExternalMethodRespectsLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	identity := f.addIdentity(t, UserTypeClient, "social@example.com", "Correta@1", StatusActive)
	external := func() error {
		_, err := f.svc.Login(ctx, LoginInput{
			Email:    "social@example.com",
			UserType: UserTypeClient,
			Method:   AuthMethodApple,
		})
		return err
	}

	for i := 0; i < 5; i++ {
		_, _ = f.login("social@example.com", "errada123", false)
	}
	assertCode(t, external(), CodeTemporarilyBlocked)

	attempt, found, err := f.attempts.Get(ctx, identity.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, attempt.Failures, "a refused external login records nothing")

	f.advance(30 * time.Minute)
	require.NoError(t, external())
	_, found, err = f.attempts.Get(ctx, identity.Key())
	require.NoError(t, err)
	assert.False(t, found, "a successful login clears the expired lockout")
}

func TestLogin_StatusGate(t *testing.T) {
	tests := []struct {
		name     string
		userType UserType
		status   AccountStatus
		wantCode Code
	}{
		{"client inactive", UserTypeClient, StatusInactive, CodeAccountInactive},
		{"client blocked", UserTypeClient, StatusBlocked, CodeAccountBlocked},
		{"professional inactive", UserTypeProfessional, StatusInactive, CodeAccountInactive},
		{"professional blocked", UserTypeProfessional, StatusBlocked, CodeAccountBlocked},
		{"professional pending", UserTypeProfessional, StatusPending, CodeAccountPending},
		{"professional rejected", UserTypeProfessional, StatusRejected, CodeAccountRejected},
		{"client pending is not gated", UserTypeClient, StatusPending, ""},
		{"professional active", UserTypeProfessional, StatusActive, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addIdentity(t, tt.userType, "user@example.com", "Correta@1", tt.status)

			_, err := f.svc.Login(context.Background(), LoginInput{
				Email:    "user@example.com",
				Password: "Correta@1",
				UserType: tt.userType,
			})
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			assertCode(t, err, tt.wantCode)
		})
	}
}

func TestLogin_StatusCheckedAfterPassword(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, UserTypeClient, "user@example.com", "Correta@1", StatusBlocked)

	_, err := f.login("user@example.com", "errada123", false)
	assertCode(t, err, CodeInvalidCredentials)
}

func TestLogin_TwoFactor(t *testing.T) {
	code := func(s string) *string { return &s }

	tests := []struct {
		name     string
		code     *string
		wantCode Code
	}{
		{"missing code", nil, CodeTwoFactorRequired},
		{"empty code", code(""), CodeTwoFactorRequired},
		{"malformed code", code("123"), CodeInvalidTwoFactorCode},
		{"well-formed code", code("123456"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			identity := f.addIdentity(t, UserTypeClient, "mfa@example.com", "Correta@1", StatusActive)
			identity.TwoFactorEnabled = true
			f.directory.Add(identity)

			_, err := f.svc.Login(context.Background(), LoginInput{
				Email:         "mfa@example.com",
				Password:      "Correta@1",
				UserType:      UserTypeClient,
				TwoFactorCode: tt.code,
			})
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			assertCode(t, err, tt.wantCode)
		})
	}
}

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(Identity, string) bool { return false }

func TestLogin_CustomTwoFactorVerifier(t *testing.T) {
	f := newFixture(t, WithTwoFactorVerifier(rejectingVerifier{}))
	identity := f.addIdentity(t, UserTypeClient, "mfa@example.com", "Correta@1", StatusActive)
	identity.TwoFactorEnabled = true
	f.directory.Add(identity)

	code := "123456"
	_, err := f.svc.Login(context.Background(), LoginInput{
		Email:         "mfa@example.com",
		Password:      "Correta@1",
		UserType:      UserTypeClient,
		TwoFactorCode: &code,
	})
	assertCode(t, err, CodeInvalidTwoFactorCode)
}

func TestLogin_SingleSessionUnlessStaySignedIn(t *testing.T) {
	ctx := context.Background()

	t.Run("stay signed in false terminates previous sessions", func(t *testing.T) {
		f := newFixture(t)
		identity := f.addIdentity(t, UserTypeClient, "user@example.com", "Correta@1", StatusActive)

		first, err := f.login("user@example.com", "Correta@1", true)
		require.NoError(t, err)
		second, err := f.login("user@example.com", "Correta@1", false)
		require.NoError(t, err)

		active, err := f.sessions.ActiveByIdentity(ctx, identity.Key())
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, second.SessionID, active[0].ID)

		old, _, err := f.sessions.GetByID(ctx, first.SessionID)
		require.NoError(t, err)
		assert.False(t, old.Active)
	})

	t.Run("stay signed in true keeps previous sessions", func(t *testing.T) {
		f := newFixture(t)
		identity := f.addIdentity(t, UserTypeClient, "user@example.com", "Correta@1", StatusActive)

		_, err := f.login("user@example.com", "Correta@1", false)
		require.NoError(t, err)
		_, err = f.login("user@example.com", "Correta@1", true)
		require.NoError(t, err)

		active, err := f.sessions.ActiveByIdentity(ctx, identity.Key())
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("current scope terminates only that session", func(t *testing.T) {
		f := newFixture(t)
		identity := f.addIdentity(t, UserTypeClient, "user@example.com", "Correta@1", StatusActive)
		first, err := f.login("user@example.com", "Correta@1", true)
		require.NoError(t, err)
		second, err := f.login("user@example.com", "Correta@1", true)
		require.NoError(t, err)

		confirmation, err := f.svc.Logout(ctx, LogoutInput{Key: identity.Key(), SessionID: first.SessionID})
		require.NoError(t, err)
		assert.Equal(t, "Logout realizado com sucesso", confirmation.Message)

		active, err := f.sessions.ActiveByIdentity(ctx, identity.Key())
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, second.SessionID, active[0].ID)
	})

	t.Run("all scope terminates every session", func(t *testing.T) {
		f := newFixture(t)
		identity := f.addIdentity(t, UserTypeClient, "user@example.com", "Correta@1", StatusActive)
		first, err := f.login("user@example.com", "Correta@1", true)
		require.NoError(t, err)
		_, err = f.login("user@example.com", "Correta@1", true)
		require.NoError(t, err)

		_, err = f.svc.Logout(ctx, LogoutInput{Key: identity.Key(), SessionID: first.SessionID, Scope: LogoutAll})
		require.NoError(t, err)

		active, err := f.sessions.ActiveByIdentity(ctx, identity.Key())
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Logout(ctx, LogoutInput{Key: "cliente_1", SessionID: "missing"})
		assertCode(t, err, CodeInvalidSession)
	})

	t.Run("session of another identity is untouched", func(t *testing.T) {
		f := newFixture(t)
		owner := f.addIdentity(t, UserTypeClient, "owner@example.com", "Correta@1", StatusActive)
		other := f.addIdentity(t, UserTypeClient, "other@example.com", "Correta@1", StatusActive)
		result, err := f.login("owner@example.com", "Correta@1", false)
		require.NoError(t, err)

		for _, scope := range []LogoutScope{LogoutCurrent, LogoutAll} {
			_, err = f.svc.Logout(ctx, LogoutInput{Key: other.Key(), SessionID: result.SessionID, Scope: scope})
			assertCode(t, err, CodeInvalidSession)
		}

		active, err := f.sessions.ActiveByIdentity(ctx, owner.Key())
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})
}

func TestRequestRecovery_NoExistenceDisclosure(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, UserTypeClient, "known@example.com", "Correta@1", StatusActive)

	known, err := f.svc.RequestRecovery(context.Background(), RecoveryRequestInput{Email: "known@example.com", UserType: UserTypeClient})
	require.NoError(t, err)
	unknown, err := f.svc.RequestRecovery(context.Background(), RecoveryRequestInput{Email: "unknown@example.com", UserType: UserTypeClient})
	require.NoError(t, err)

	assert.Equal(t, known, unknown)
	assert.Equal(t, RecoveryRequestMessage, known.Message)
	assert.Len(t, f.notifier.tokens, 1)
}

func TestRequestRecovery_QuotaAndSupersede(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, UserTypeClient, "cliente@example.com", "Correta@1", StatusActive)
	ctx := context.Background()
	input := RecoveryRequestInput{Email: "cliente@example.com", UserType: UserTypeClient}

	var issued []RecoveryToken
	for i := 0; i < 3; i++ {
		confirmation, err := f.svc.RequestRecovery(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, RecoveryRequestMessage, confirmation.Message)
		issued = append(issued, f.notifier.last(t))
		f.advance(10 * time.Minute)
	}

	_, err := f.svc.RequestRecovery(ctx, input)
	assertCode(t, err, CodeRequestLimitExceeded)

	for i, token := range issued {
		stored, found, err := f.recovery.GetByValue(ctx, token.Value)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, identity.Key(), stored.Key)
		assert.Equal(t, i < len(issued)-1, stored.Used, "token %d", i)
		assert.Equal(t, stored.IssuedAt.Add(time.Hour), stored.ExpiresAt)
		assert.Len(t, stored.Value, 64)
	}

	// The window is rolling: once the first token leaves it, a new request is allowed.
	f.now = issued[0].IssuedAt.Add(24*time.Hour + time.Second)
	_, err = f.svc.RequestRecovery(ctx, input)
	require.NoError(t, err)
}

func TestRequestRecovery_NotifierFailureIsNotDisclosed(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	f.addIdentity(t, UserTypeClient, "known@example.com", "Correta@1", StatusActive)

	confirmation, err := f.svc.RequestRecovery(context.Background(), RecoveryRequestInput{Email: "known@example.com", UserType: UserTypeClient})
	require.NoError(t, err)
	assert.Equal(t, RecoveryRequestMessage, confirmation.Message)
}

func TestRequestRecovery_UnsupportedUserType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RequestRecovery(context.Background(), RecoveryRequestInput{Email: "admin@example.com", UserType: UserTypeAdmin})
	assertCode(t, err, CodeValidation)
}

func (f *fixture) issueToken(t *testing.T, email string) RecoveryToken {
	t.Helper()
	_, err := f.svc.RequestRecovery(context.Background(), RecoveryRequestInput{Email: email, UserType: UserTypeClient})
	require.NoError(t, err)
	return f.notifier.last(t)
}

func TestResetPassword_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	identity := f.addIdentity(t, UserTypeClient, "cliente@example.com", "Antiga@1", StatusActive)
	oldDigest := identity.PasswordDigest

	kept, err := f.login("cliente@example.com", "Antiga@1", true)
	require.NoError(t, err)
	token := f.issueToken(t, "cliente@example.com")

	confirmation, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: token.Value, NewPassword: "Nova@1234"})
	require.NoError(t, err)
	assert.Equal(t, "Senha alterada com sucesso", confirmation.Message)

	updated, found, err := f.directory.FindByID(ctx, UserTypeClient, identity.ID)
	require.NoError(t, err)
	require.True(t, found)
	match, err := f.hasher.Verify("Nova@1234", updated.PasswordDigest)
	require.NoError(t, err)
	assert.True(t, match)

	history, err := f.history.RecentFor(ctx, identity.Key())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, oldDigest, history[0].Digest)

	stored, _, err := f.recovery.GetByValue(ctx, token.Value)
	require.NoError(t, err)
	assert.True(t, stored.Used)

	session, _, err := f.sessions.GetByID(ctx, kept.SessionID)
	require.NoError(t, err)
	assert.False(t, session.Active, "stay-signed-in sessions are terminated by a reset")

	_, err = f.login("cliente@example.com", "Antiga@1", false)
	assertCode(t, err, CodeInvalidCredentials)
	_, err = f.login("cliente@example.com", "Nova@1234", false)
	require.NoError(t, err)
}

func TestResetPassword_OverlongPasswordIsValidationError(t *testing.T) {
	f := newFixtureWithHasher(t, NewBcryptHasher(bcrypt.MinCost))
	ctx := context.Background()
	identity := f.addIdentity(t, UserTypeClient, "cliente@example.com", "Antiga@1", StatusActive)
	token := f.issueToken(t, "cliente@example.com")

	long := "Aa1@" + strings.Repeat("x", 76)
	require.True(t, StrongPassword(long))

	_, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: token.Value, NewPassword: long})
	assertCode(t, err, CodeValidation)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	require.Len(t, typed.Details, 1)
	assert.Equal(t, "nova_senha", typed.Details[0].Field)
	assert.Equal(t, http.StatusBadRequest, CodeValidation.Status())

	stored, _, err := f.recovery.GetByValue(ctx, token.Value)
	require.NoError(t, err)
	assert.False(t, stored.Used, "the token survives a rejected password")
	unchanged, _, err := f.directory.FindByID(ctx, UserTypeClient, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.PasswordDigest, unchanged.PasswordDigest)

	_, err = f.svc.ResetPassword(ctx, RecoveryResetInput{Token: token.Value, NewPassword: "Nova@1234"})
	require.NoError(t, err)
}

func TestLogin_OverlongPasswordIsInvalidCredentials(t *testing.T) {
	f := newFixtureWithHasher(t, NewBcryptHasher(bcrypt.MinCost))
	f.addIdentity(t, UserTypeClient, "cliente@example.com", "Correta@1", StatusActive)

	_, err := f.login("cliente@example.com", strings.Repeat("y", 100), false)
	assertCode(t, err, CodeInvalidCredentials)
}

func TestResetPassword_TokenStates(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: "nope", NewPassword: "Nova@1234"})
		assertCode(t, err, CodeInvalidToken)
	})

	t.Run("replayed token", func(t *testing.T) {
		f := newFixture(t)
		f.addIdentity(t, UserTypeClient, "cliente@example.com", "Antiga@1", StatusActive)
		token := f.issueToken(t, "cliente@example.com")

		_, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: token.Value, NewPassword: "Nova@1234"})
		require.NoError(t, err)
		_, err = f.svc.ResetPassword(ctx, RecoveryResetInput{Token: token.Value, NewPassword: "Outra@1234"})
		assertCode(t, err, CodeInvalidToken)
	})

	t.Run("superseded token", func(t *testing.T) {
		f := newFixture(t)
		f.addIdentity(t, UserTypeClient, "cliente@example.com", "Antiga@1", StatusActive)
		first := f.issueToken(t, "cliente@example.com")
		f.issueToken(t, "cliente@example.com")

		_, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: first.Value, NewPassword: "Nova@1234"})
		assertCode(t, err, CodeInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newFixture(t)
		f.addIdentity(t, UserTypeClient, "cliente@example.com", "Antiga@1", StatusActive)
		token := f.issueToken(t, "cliente@example.com")

		f.advance(time.Hour + time.Second)
		_, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: token.Value, NewPassword: "Nova@1234"})
		assertCode(t, err, CodeExpiredToken)
	})

	t.Run("token valid at exact expiry", func(t *testing.T) {
		f := newFixture(t)
		f.addIdentity(t, UserTypeClient, "cliente@example.com", "Antiga@1", StatusActive)
		token := f.issueToken(t, "cliente@example.com")

		f.advance(time.Hour)
		_, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: token.Value, NewPassword: "Nova@1234"})
		require.NoError(t, err)
	})

	t.Run("used wins over expired", func(t *testing.T) {
		f := newFixture(t)
		f.addIdentity(t, UserTypeClient, "cliente@example.com", "Antiga@1", StatusActive)
		first := f.issueToken(t, "cliente@example.com")
		f.issueToken(t, "cliente@example.com")

		f.advance(2 * time.Hour)
		_, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: first.Value, NewPassword: "Nova@1234"})
		assertCode(t, err, CodeInvalidToken)
	})
}

func TestResetPassword_VanishedIdentityMutatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.recovery.Create(ctx, RecoveryToken{
		Key:       "cliente_99",
		Value:     "orphan",
		IssuedAt:  f.now,
		ExpiresAt: f.now.Add(time.Hour),
	}))

	_, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: "orphan", NewPassword: "Nova@1234"})
	assertCode(t, err, CodeInvalidToken)

	stored, _, err := f.recovery.GetByValue(ctx, "orphan")
	require.NoError(t, err)
	assert.False(t, stored.Used)
	history, err := f.history.RecentFor(ctx, "cliente_99")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestResetPassword_History(t *testing.T) {
	f := newFixture(t, WithSecurityConfig(Policy{MaxRecoveryRequests: 100}))
	ctx := context.Background()
	identity := f.addIdentity(t, UserTypeClient, "cliente@example.com", "Senha@0", StatusActive)

	reset := func(password string) error {
		token := f.issueToken(t, "cliente@example.com")
		f.advance(time.Minute)
		_, err := f.svc.ResetPassword(ctx, RecoveryResetInput{Token: token.Value, NewPassword: password})
		return err
	}

	// Passwords Senha@0 .. Senha@5; history keeps the five before the current one.
	for i := 1; i <= 5; i++ {
		require.NoError(t, reset(fmt.Sprintf("Senha@%d", i)))
	}

	history, err := f.history.RecentFor(ctx, identity.Key())
	require.NoError(t, err)
	assert.Len(t, history, PasswordHistoryLimit)

	for i := 0; i <= 4; i++ {
		err := reset(fmt.Sprintf("Senha@%d", i))
		assertCode(t, err, CodePasswordRecentlyUsed)
	}

	require.NoError(t, reset("Senha@6"))
	// Senha@0 has now been evicted and may be reused.
	require.NoError(t, reset("Senha@0"))

	history, err = f.history.RecentFor(ctx, identity.Key())
	require.NoError(t, err)
	assert.Len(t, history, PasswordHistoryLimit)
}

func TestResetPassword_CurrentPasswordIsAllowed(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, UserTypeClient, "cliente@example.com", "Atual@123", StatusActive)
	token := f.issueToken(t, "cliente@example.com")

	_, err := f.svc.ResetPassword(context.Background(), RecoveryResetInput{Token: token.Value, NewPassword: "Atual@123"})
	require.NoError(t, err)
}

func TestEndToEnd_LockoutScenario(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, UserTypeClient, "cliente1@example.com", "D0-senha@1", StatusActive)
	require.Equal(t, IdentityKey("cliente_1"), identity.Key())

	var last error
	for i := 0; i < 5; i++ {
		_, last = f.login("cliente1@example.com", "wrong-pass", false)
	}
	assertCode(t, last, CodeTemporarilyBlocked)

	_, err := f.login("cliente1@example.com", "D0-senha@1", false)
	assertCode(t, err, CodeTemporarilyBlocked)
}

func TestEndToEnd_RecoveryQuotaScenario(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, UserTypeClient, "cliente1@example.com", "D0-senha@1", StatusActive)
	input := RecoveryRequestInput{Email: "cliente1@example.com", UserType: UserTypeClient}

	for i := 0; i < 3; i++ {
		confirmation, err := f.svc.RequestRecovery(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, RecoveryRequestMessage, confirmation.Message)
		f.advance(15 * time.Minute)
	}

	_, err := f.svc.RequestRecovery(context.Background(), input)
	assertCode(t, err, CodeRequestLimitExceeded)
}

func TestLogin_ConcurrentFailuresLockExactlyOnce(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, UserTypeClient, "cliente@example.com", "Correta@1", StatusActive)

	const callers = 12
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.login("cliente@example.com", "errada123", false)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	counts := map[Code]int{}
	for err := range results {
		typed, _ := AsError(err)
		counts[typed.Code]++
	}
	assert.Equal(t, 4, counts[CodeInvalidCredentials])
	assert.Equal(t, callers-4, counts[CodeTemporarilyBlocked])

	attempt, _, err := f.attempts.Get(context.Background(), identity.Key())
	require.NoError(t, err)
	assert.Equal(t, 5, attempt.Failures)
	assert.Zero(t, f.svc.locks.size())
}

type failingDirectory struct {
	*MemoryDirectory
	err error
}

func (d failingDirectory) FindByEmail(context.Context, UserType, string) (Identity, bool, error) {
	return Identity{}, false, d.err
}

func TestLogin_BackendFailureIsInternal(t *testing.T) {
	svc, err := NewService(failingDirectory{NewMemoryDirectory(), errors.New("connection reset")}, NewMemoryStores(), SHA256Hasher{}, NewTokenIssuer(testSecret, 0, 0))
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), LoginInput{Email: "a@b.com", Password: "Senha@123", UserType: UserTypeClient})
	require.Error(t, err)

	typed, ok := AsError(err)
	assert.False(t, ok)
	assert.Equal(t, CodeInternal, typed.Code)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	identity := f.addIdentity(t, UserTypeClient, "user@example.com", "Correta@1", StatusActive)
	result, err := f.login("user@example.com", "Correta@1", false)
	require.NoError(t, err)

	session, err := f.svc.Authenticate(ctx, result.BearerToken)
	require.NoError(t, err)
	assert.Equal(t, identity.Key(), session.Key)

	_, err = f.svc.Authenticate(ctx, "not-a-jwt")
	assertCode(t, err, CodeUnauthorized)

	_, err = f.svc.Logout(ctx, LogoutInput{Key: identity.Key(), SessionID: result.SessionID})
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, result.BearerToken)
	assertCode(t, err, CodeUnauthorized)
}

func TestAuthenticate_ExpiredBearer(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, UserTypeClient, "user@example.com", "Correta@1", StatusActive)
	result, err := f.login("user@example.com", "Correta@1", false)
	require.NoError(t, err)

	f.advance(25 * time.Hour)
	_, err = f.svc.Authenticate(context.Background(), result.BearerToken)
	assertCode(t, err, CodeUnauthorized)
}
