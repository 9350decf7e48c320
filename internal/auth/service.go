package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authcore/internal/observability"
)

const (
	defaultMaxAttempts         = 5
	defaultLockWindow          = 30 * time.Minute
	defaultRecoveryTokenTTL    = time.Hour
	defaultRecoveryWindow      = 24 * time.Hour
	defaultMaxRecoveryRequests = 3
)

// RecoveryRequestMessage is returned whether or not the email is registered.
const RecoveryRequestMessage = "Se o email estiver cadastrado, você receberá instruções para recuperação"

const (
	logoutMessage        = "Logout realizado com sucesso"
	passwordResetMessage = "Senha alterada com sucesso"
)

// Policy holds the thresholds and windows the flows enforce.
type Policy struct {
	MaxFailedAttempts   int
	LockoutDuration     time.Duration
	RecoveryTokenTTL    time.Duration
	RecoveryWindow      time.Duration
	MaxRecoveryRequests int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxFailedAttempts:   defaultMaxAttempts,
		LockoutDuration:     defaultLockWindow,
		RecoveryTokenTTL:    defaultRecoveryTokenTTL,
		RecoveryWindow:      defaultRecoveryWindow,
		MaxRecoveryRequests: defaultMaxRecoveryRequests,
	}
}

// Stores groups the four independent stores the service composes.
type Stores struct {
	Attempts AttemptTracker
	Sessions SessionRegistry
	Recovery RecoveryTokenRegistry
	History  PasswordHistory
}

func NewMemoryStores() Stores {
	return Stores{
		Attempts: NewMemoryAttemptTracker(),
		Sessions: NewMemorySessionRegistry(),
		Recovery: NewMemoryRecoveryRegistry(),
		History:  NewMemoryPasswordHistory(),
	}
}

// RecoveryNotifier delivers an issued recovery token out of band.
type RecoveryNotifier interface {
	NotifyRecovery(ctx context.Context, identity Identity, token RecoveryToken) error
}

type Service struct {
	directory IdentityDirectory
	attempts  AttemptTracker
	sessions  SessionRegistry
	recovery  RecoveryTokenRegistry
	history   PasswordHistory
	hasher    PasswordHasher
	tokens    *TokenIssuer
	twoFactor TwoFactorVerifier
	notifier  RecoveryNotifier
	metrics   *Metrics
	logger    *observability.Logger
	policy    Policy
	now       func() time.Time
	locks     *keyedMutex
}

type Option func(*Service)

// WithSecurityConfig overrides policy values; non-positive values keep the default.
func WithSecurityConfig(policy Policy) Option {
	return func(s *Service) {
		if policy.MaxFailedAttempts > 0 {
			s.policy.MaxFailedAttempts = policy.MaxFailedAttempts
		}
		if policy.LockoutDuration > 0 {
			s.policy.LockoutDuration = policy.LockoutDuration
		}
		if policy.RecoveryTokenTTL > 0 {
			s.policy.RecoveryTokenTTL = policy.RecoveryTokenTTL
		}
		if policy.RecoveryWindow > 0 {
			s.policy.RecoveryWindow = policy.RecoveryWindow
		}
		if policy.MaxRecoveryRequests > 0 {
			s.policy.MaxRecoveryRequests = policy.MaxRecoveryRequests
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *observability.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

func WithTwoFactorVerifier(verifier TwoFactorVerifier) Option {
	return func(s *Service) {
		if verifier != nil {
			s.twoFactor = verifier
		}
	}
}

func WithRecoveryNotifier(notifier RecoveryNotifier) Option {
	return func(s *Service) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

func NewService(directory IdentityDirectory, stores Stores, hasher PasswordHasher, tokens *TokenIssuer, opts ...Option) (*Service, error) {
	switch {
	case directory == nil:
		return nil, errors.New("identity directory is required")
	case stores.Attempts == nil:
		return nil, errors.New("attempt tracker is required")
	case stores.Sessions == nil:
		return nil, errors.New("session registry is required")
	case stores.Recovery == nil:
		return nil, errors.New("recovery token registry is required")
	case stores.History == nil:
		return nil, errors.New("password history is required")
	case hasher == nil:
		return nil, errors.New("password hasher is required")
	case tokens == nil:
		return nil, errors.New("token issuer is required")
	}

	s := &Service{
		directory: directory,
		attempts:  stores.Attempts,
		sessions:  stores.Sessions,
		recovery:  stores.Recovery,
		history:   stores.History,
		hasher:    hasher,
		tokens:    tokens,
		twoFactor: CodeLengthVerifier{Length: 6},
		logger:    observability.NewNopLogger(),
		policy:    DefaultPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = LogRecoveryNotifier{Logger: s.logger}
	}
	return s, nil
}

func (s *Service) Policy() Policy {
	return s.policy
}

func directoryUserType(userType UserType) bool {
	return userType == UserTypeClient || userType == UserTypeProfessional
}

func (s *Service) Login(ctx context.Context, in LoginInput) (result LoginResult, err error) {
	defer func() { s.metrics.observeLogin(err) }()

	if in.Method == "" {
		in.Method = AuthMethodDirect
	}
	if !directoryUserType(in.UserType) {
		return LoginResult{}, fail(ErrUnsupportedUserType)
	}

	identity, found, err := s.directory.FindByEmail(ctx, in.UserType, in.Email)
	if err != nil {
		return LoginResult{}, backendFailure("find identity by email", err)
	}
	if !found {
		return LoginResult{}, fail(ErrInvalidCredentials)
	}

	key := identity.Key()
	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.now()
	attempt, exists, err := s.attempts.Get(ctx, key)
	if err != nil {
		return LoginResult{}, backendFailure("get login attempt", err)
	}
	if exists && attempt.LockedUntil != nil {
		if attempt.LockedAt(now) {
			return LoginResult{}, fail(ErrTemporarilyBlocked)
		}
		// An expired lockout starts a fresh failure trail.
		if err := s.attempts.Reset(ctx, key); err != nil {
			return LoginResult{}, backendFailure("reset expired lockout", err)
		}
	}

	if in.Method == AuthMethodDirect {
		match, err := s.hasher.Verify(in.Password, identity.PasswordDigest)
		if err != nil {
			return LoginResult{}, backendFailure("verify password", err)
		}
		if !match {
			return LoginResult{}, s.registerFailure(ctx, key, now)
		}
	}

	if err := statusFailure(identity); err != nil {
		return LoginResult{}, err
	}

	if identity.TwoFactorEnabled {
		if in.TwoFactorCode == nil || *in.TwoFactorCode == "" {
			return LoginResult{}, fail(ErrTwoFactorRequired)
		}
		if !s.twoFactor.Verify(identity, *in.TwoFactorCode) {
			return LoginResult{}, fail(ErrInvalidTwoFactorCode)
		}
	}

	session := Session{
		ID:           uuid.NewString(),
		Key:          key,
		UserType:     identity.UserType,
		LoginAt:      now,
		LastAccessAt: now,
		Origin:       in.Origin,
		StaySignedIn: in.StaySignedIn,
		Active:       true,
	}
	session.BearerToken, err = s.tokens.Issue(session)
	if err != nil {
		return LoginResult{}, backendFailure("issue bearer token", err)
	}

	if err := s.attempts.Reset(ctx, key); err != nil {
		return LoginResult{}, backendFailure("reset login attempts", err)
	}
	if !in.StaySignedIn {
		if err := s.sessions.TerminateAll(ctx, key); err != nil {
			return LoginResult{}, backendFailure("terminate previous sessions", err)
		}
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return LoginResult{}, backendFailure("create session", err)
	}

	s.logger.Info("login_succeeded", map[string]any{
		"identity_key":   string(key),
		"session_id":     session.ID,
		"method":         string(in.Method),
		"stay_signed_in": in.StaySignedIn,
	})

	return LoginResult{
		BearerToken: session.BearerToken,
		SessionID:   session.ID,
		UserType:    identity.UserType,
		Identity: IdentityProjection{
			ID:       identity.ID,
			FullName: identity.FullName,
			Email:    identity.Email,
			PhotoURL: identity.PhotoURL,
		},
		LastAccessAt: session.LastAccessAt,
	}, nil
}

// registerFailure records the failed attempt and locks the identity once the
// threshold is reached. Callers hold the identity lock.
func (s *Service) registerFailure(ctx context.Context, key IdentityKey, now time.Time) error {
	if err := s.attempts.RecordFailure(ctx, key, now); err != nil {
		return backendFailure("record login failure", err)
	}
	attempt, _, err := s.attempts.Get(ctx, key)
	if err != nil {
		return backendFailure("get login attempt", err)
	}

	if attempt.Failures >= s.policy.MaxFailedAttempts {
		until := now.Add(s.policy.LockoutDuration)
		if err := s.attempts.Lock(ctx, key, until); err != nil {
			return backendFailure("lock identity", err)
		}
		s.metrics.observeLockout()
		s.logger.Warn("login_locked", map[string]any{
			"identity_key": string(key),
			"failures":     attempt.Failures,
			"locked_until": until.Format(time.RFC3339),
		})
		return lockoutError(s.policy.LockoutDuration)
	}

	s.logger.Info("login_failed", map[string]any{
		"identity_key": string(key),
		"failures":     attempt.Failures,
	})
	return fail(ErrInvalidCredentials)
}

func statusFailure(identity Identity) error {
	switch identity.Status {
	case StatusInactive:
		return fail(ErrAccountInactive)
	case StatusBlocked:
		return fail(ErrAccountBlocked)
	}
	if identity.UserType != UserTypeProfessional {
		return nil
	}
	switch identity.Status {
	case StatusPending:
		return fail(ErrAccountPending)
	case StatusRejected:
		return fail(ErrAccountRejected)
	}
	return nil
}

func (s *Service) Logout(ctx context.Context, in LogoutInput) (confirmation Confirmation, err error) {
	if in.Scope == "" {
		in.Scope = LogoutCurrent
	}
	defer func() { s.metrics.observeLogout(in.Scope, err) }()

	unlock := s.locks.Lock(in.Key)
	defer unlock()

	session, found, err := s.sessions.GetByID(ctx, in.SessionID)
	if err != nil {
		return Confirmation{}, backendFailure("get session", err)
	}
	if !found || session.Key != in.Key {
		return Confirmation{}, fail(ErrInvalidSession)
	}

	if in.Scope == LogoutAll {
		err = s.sessions.TerminateAll(ctx, in.Key)
	} else {
		err = s.sessions.Terminate(ctx, in.SessionID)
	}
	if err != nil {
		return Confirmation{}, backendFailure("terminate session", err)
	}

	s.logger.Info("logout", map[string]any{
		"identity_key": string(in.Key),
		"session_id":   in.SessionID,
		"scope":        string(in.Scope),
	})
	return Confirmation{Message: logoutMessage}, nil
}

func (s *Service) RequestRecovery(ctx context.Context, in RecoveryRequestInput) (confirmation Confirmation, err error) {
	defer func() { s.metrics.observeRecoveryRequest(err) }()

	if !directoryUserType(in.UserType) {
		return Confirmation{}, fail(ErrUnsupportedUserType)
	}

	identity, found, err := s.directory.FindByEmail(ctx, in.UserType, in.Email)
	if err != nil {
		return Confirmation{}, backendFailure("find identity by email", err)
	}
	if !found {
		return Confirmation{Message: RecoveryRequestMessage}, nil
	}

	key := identity.Key()
	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.now()
	recent, err := s.recovery.RecentCount(ctx, key, now.Add(-s.policy.RecoveryWindow))
	if err != nil {
		return Confirmation{}, backendFailure("count recovery tokens", err)
	}
	if recent >= s.policy.MaxRecoveryRequests {
		s.logger.Warn("recovery_request_limited", map[string]any{
			"identity_key": string(key),
			"recent":       recent,
		})
		return Confirmation{}, fail(ErrRequestLimitExceeded)
	}

	value, err := randomToken(recoveryTokenBytes)
	if err != nil {
		return Confirmation{}, backendFailure("generate recovery token", err)
	}
	token := RecoveryToken{
		Key:       key,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.policy.RecoveryTokenTTL),
	}

	if err := s.recovery.InvalidateAll(ctx, key); err != nil {
		return Confirmation{}, backendFailure("invalidate recovery tokens", err)
	}
	if err := s.recovery.Create(ctx, token); err != nil {
		return Confirmation{}, backendFailure("create recovery token", err)
	}

	if err := s.notifier.NotifyRecovery(ctx, identity, token); err != nil {
		s.logger.Error("recovery_notify_failed", map[string]any{
			"identity_key": string(key),
			"error":        err,
		})
	}

	return Confirmation{Message: RecoveryRequestMessage}, nil
}

func (s *Service) ResetPassword(ctx context.Context, in RecoveryResetInput) (confirmation Confirmation, err error) {
	defer func() { s.metrics.observePasswordReset(err) }()

	token, found, err := s.recovery.GetByValue(ctx, in.Token)
	if err != nil {
		return Confirmation{}, backendFailure("get recovery token", err)
	}
	if !found {
		return Confirmation{}, fail(ErrInvalidToken)
	}

	key := token.Key
	unlock := s.locks.Lock(key)
	defer unlock()

	// Re-read under the identity lock so a concurrent reset with the same token sees it used.
	token, found, err = s.recovery.GetByValue(ctx, in.Token)
	if err != nil {
		return Confirmation{}, backendFailure("get recovery token", err)
	}
	if !found {
		return Confirmation{}, fail(ErrInvalidToken)
	}

	now := s.now()
	switch token.State(now) {
	case TokenUsed:
		return Confirmation{}, fail(ErrInvalidToken)
	case TokenExpired:
		return Confirmation{}, fail(ErrExpiredToken)
	}

	userType, id, ok := key.Parse()
	if !ok {
		return Confirmation{}, fail(ErrInvalidToken)
	}
	identity, found, err := s.directory.FindByID(ctx, userType, id)
	if err != nil {
		return Confirmation{}, backendFailure("find identity by id", err)
	}
	if !found {
		return Confirmation{}, fail(ErrInvalidToken)
	}

	history, err := s.history.RecentFor(ctx, key)
	if err != nil {
		return Confirmation{}, backendFailure("read password history", err)
	}
	reused, err := RecentlyUsed(history, in.NewPassword, s.hasher)
	if err != nil {
		return Confirmation{}, backendFailure("check password history", err)
	}
	if reused {
		return Confirmation{}, fail(ErrPasswordRecentlyUsed)
	}

	digest, err := s.hasher.Hash(in.NewPassword)
	if errors.Is(err, ErrPasswordTooLong) {
		return Confirmation{}, ValidationError([]FieldError{{Field: "nova_senha", Message: newPasswordTooLongMessage}})
	}
	if err != nil {
		return Confirmation{}, backendFailure("hash new password", err)
	}

	if len(history) >= PasswordHistoryLimit {
		if err := s.history.EvictOldest(ctx, key); err != nil {
			return Confirmation{}, backendFailure("evict password history", err)
		}
	}
	if err := s.history.Add(ctx, PasswordHistoryEntry{Key: key, Digest: identity.PasswordDigest, CreatedAt: now}); err != nil {
		return Confirmation{}, backendFailure("add password history", err)
	}
	if _, found, err := s.directory.UpdatePasswordDigest(ctx, userType, id, digest); err != nil {
		return Confirmation{}, backendFailure("update password digest", err)
	} else if !found {
		return Confirmation{}, backendFailure("update password digest", fmt.Errorf("identity %s vanished during reset", key))
	}
	if err := s.recovery.MarkUsed(ctx, in.Token); err != nil {
		return Confirmation{}, backendFailure("mark recovery token used", err)
	}
	if err := s.sessions.TerminateAll(ctx, key); err != nil {
		return Confirmation{}, backendFailure("terminate sessions", err)
	}

	s.logger.Info("password_reset", map[string]any{"identity_key": string(key)})
	return Confirmation{Message: passwordResetMessage}, nil
}

// Authenticate resolves a bearer token to its session, which must still be active.
func (s *Service) Authenticate(ctx context.Context, bearer string) (Session, error) {
	claims, err := s.tokens.Parse(bearer)
	if err != nil {
		return Session{}, fail(ErrUnauthorized)
	}
	session, found, err := s.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		return Session{}, backendFailure("get session", err)
	}
	if !found || !session.Active || string(session.Key) != claims.Subject || session.BearerToken != bearer {
		return Session{}, fail(ErrUnauthorized)
	}
	return session, nil
}

func (s *Service) ActiveSessions(ctx context.Context, key IdentityKey) ([]Session, error) {
	sessions, err := s.sessions.ActiveByIdentity(ctx, key)
	if err != nil {
		return nil, backendFailure("list active sessions", err)
	}
	return sessions, nil
}

// LogRecoveryNotifier records that a token was issued without exposing its value.
type LogRecoveryNotifier struct {
	Logger *observability.Logger
}

func (n LogRecoveryNotifier) NotifyRecovery(_ context.Context, identity Identity, token RecoveryToken) error {
	n.Logger.Info("recovery_token_issued", map[string]any{
		"identity_key": string(token.Key),
		"email":        observability.MaskEmail(identity.Email),
		"expires_at":   token.ExpiresAt.Format(time.RFC3339),
	})
	return nil
}
