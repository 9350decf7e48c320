package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAccessTTL       = 24 * time.Hour
	defaultStaySignedInTTL = 30 * 24 * time.Hour
	recoveryTokenBytes     = 32
)

var ErrInvalidBearer = errors.New("invalid bearer token")

// SessionClaims is the payload carried by a session's bearer token.
type SessionClaims struct {
	SessionID string   `json:"sid"`
	UserType  UserType `json:"utp"`
	Type      string   `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session bearer tokens.
type TokenIssuer struct {
	secret          []byte
	accessTTL       time.Duration
	staySignedInTTL time.Duration
	now             func() time.Time
}

func NewTokenIssuer(secret string, accessTTL, staySignedInTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if staySignedInTTL <= 0 {
		staySignedInTTL = defaultStaySignedInTTL
	}
	return &TokenIssuer{
		secret:          []byte(secret),
		accessTTL:       accessTTL,
		staySignedInTTL: staySignedInTTL,
		now:             time.Now,
	}
}

// WithClock makes Parse evaluate expiry against now instead of the wall clock.
func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	if now != nil {
		i.now = now
	}
	return i
}

func (i *TokenIssuer) Issue(session Session) (string, error) {
	ttl := i.accessTTL
	if session.StaySignedIn {
		ttl = i.staySignedInTTL
	}

	jti, err := randomToken(16)
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}

	claims := SessionClaims{
		SessionID: session.ID,
		UserType:  session.UserType,
		Type:      "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(session.Key),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(session.LoginAt),
			ExpiresAt: jwt.NewNumericDate(session.LoginAt.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

// Parse validates signature, expiry and token type.
func (i *TokenIssuer) Parse(raw string) (SessionClaims, error) {
	var claims SessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil || !token.Valid {
		return SessionClaims{}, ErrInvalidBearer
	}
	if claims.Type != "access" || claims.SessionID == "" || claims.Subject == "" {
		return SessionClaims{}, ErrInvalidBearer
	}
	return claims, nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
