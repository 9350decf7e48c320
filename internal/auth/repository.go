package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool is the subset of *pgxpool.Pool the repository needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Repository is the Postgres identity directory. It also persists login
// attempts and per-IP login windows so several instances share them.
type Repository struct {
	pool Pool
}

type CleanupResult struct {
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
	DeletedIPLimits      int64 `json:"deleted_ip_limits"`
}

func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const identityColumns = `id, user_type, email, password_digest, status, two_factor_enabled, full_name, photo_url`

func scanIdentity(row pgx.Row) (Identity, bool, error) {
	var identity Identity
	var userType, status string
	err := row.Scan(
		&identity.ID,
		&userType,
		&identity.Email,
		&identity.PasswordDigest,
		&status,
		&identity.TwoFactorEnabled,
		&identity.FullName,
		&identity.PhotoURL,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, false, nil
		}
		return Identity{}, false, err
	}
	identity.UserType = UserType(userType)
	identity.Status = AccountStatus(status)
	return identity, true, nil
}

func (r *Repository) FindByEmail(ctx context.Context, userType UserType, email string) (Identity, bool, error) {
	identity, found, err := scanIdentity(r.pool.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM auth_identities
		WHERE user_type = $1 AND email = $2
	`, string(userType), normalizeEmail(email)))
	if err != nil {
		return Identity{}, false, fmt.Errorf("query identity by email: %w", err)
	}
	return identity, found, nil
}

func (r *Repository) FindByID(ctx context.Context, userType UserType, id int64) (Identity, bool, error) {
	identity, found, err := scanIdentity(r.pool.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM auth_identities
		WHERE user_type = $1 AND id = $2
	`, string(userType), id))
	if err != nil {
		return Identity{}, false, fmt.Errorf("query identity by id: %w", err)
	}
	return identity, found, nil
}

func (r *Repository) UpdatePasswordDigest(ctx context.Context, userType UserType, id int64, digest string) (Identity, bool, error) {
	identity, found, err := scanIdentity(r.pool.QueryRow(ctx, `
		UPDATE auth_identities
		SET password_digest = $3, updated_at = NOW()
		WHERE user_type = $1 AND id = $2
		RETURNING `+identityColumns,
		string(userType), id, digest))
	if err != nil {
		return Identity{}, false, fmt.Errorf("update password digest: %w", err)
	}
	return identity, found, nil
}

// UpsertIdentity inserts or refreshes the identity with the same user type and email.
func (r *Repository) UpsertIdentity(ctx context.Context, identity Identity) (Identity, error) {
	if identity.Status == "" {
		identity.Status = StatusActive
	}
	identity.Email = normalizeEmail(identity.Email)

	stored, _, err := scanIdentity(r.pool.QueryRow(ctx, `
		INSERT INTO auth_identities (user_type, email, password_digest, status, two_factor_enabled, full_name, photo_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_type, email)
		DO UPDATE SET
			password_digest = EXCLUDED.password_digest,
			status = EXCLUDED.status,
			two_factor_enabled = EXCLUDED.two_factor_enabled,
			full_name = EXCLUDED.full_name,
			photo_url = EXCLUDED.photo_url,
			updated_at = NOW()
		RETURNING `+identityColumns,
		string(identity.UserType),
		identity.Email,
		identity.PasswordDigest,
		string(identity.Status),
		identity.TwoFactorEnabled,
		identity.FullName,
		identity.PhotoURL,
	))
	if err != nil {
		return Identity{}, fmt.Errorf("upsert identity: %w", err)
	}
	return stored, nil
}

func (r *Repository) RecordFailure(ctx context.Context, key IdentityKey, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO auth_login_attempts (identity_key, failed_attempts, last_failure_at, updated_at)
		VALUES ($1, 1, $2, $2)
		ON CONFLICT (identity_key)
		DO UPDATE SET
			failed_attempts = auth_login_attempts.failed_attempts + 1,
			last_failure_at = EXCLUDED.last_failure_at,
			updated_at = EXCLUDED.updated_at
	`, string(key), at.UTC())
	if err != nil {
		return fmt.Errorf("upsert failed login attempt: %w", err)
	}
	return nil
}

func (r *Repository) Reset(ctx context.Context, key IdentityKey) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM auth_login_attempts
		WHERE identity_key = $1
	`, string(key))
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	return nil
}

func (r *Repository) Lock(ctx context.Context, key IdentityKey, until time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE auth_login_attempts
		SET locked_until = $2, updated_at = NOW()
		WHERE identity_key = $1
	`, string(key), until.UTC())
	if err != nil {
		return fmt.Errorf("lock login attempt: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, key IdentityKey) (LoginAttempt, bool, error) {
	attempt := LoginAttempt{Key: key}

	var lockedUntil *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT failed_attempts, last_failure_at, locked_until
		FROM auth_login_attempts
		WHERE identity_key = $1
	`, string(key)).Scan(&attempt.Failures, &attempt.LastFailure, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LoginAttempt{}, false, nil
		}
		return LoginAttempt{}, false, fmt.Errorf("query login attempt: %w", err)
	}
	attempt.LastFailure = attempt.LastFailure.UTC()
	if lockedUntil != nil {
		value := lockedUntil.UTC()
		attempt.LockedUntil = &value
	}
	return attempt, true, nil
}

// Hit implements WindowStore with a fixed window per key, reset once it has elapsed.
func (r *Repository) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.pool.QueryRow(ctx, `
		INSERT INTO auth_login_ip_limits (ip, window_started_at, hits, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (ip) DO UPDATE
		SET
			hits = CASE
				WHEN auth_login_ip_limits.window_started_at <= $3 THEN 1
				ELSE auth_login_ip_limits.hits + 1
			END,
			window_started_at = CASE
				WHEN auth_login_ip_limits.window_started_at <= $3 THEN $2
				ELSE auth_login_ip_limits.window_started_at
			END,
			updated_at = $2
		RETURNING hits, window_started_at
	`, key, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip rate limit: %w", err)
	}

	if hits <= limit {
		return true, 0, nil
	}
	return false, RetryAfter(windowStartedAt, window, now.UTC()), nil
}

// CleanupStaleAuthData deletes, in batches, attempt records untouched since the
// retention cutoff whose lockout has passed, and idle per-IP windows.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := now.UTC().Add(-retention)

	deletedAttempts, err := r.deleteBatch(ctx, "stale login attempts", `
		WITH stale AS (
			SELECT identity_key
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.identity_key = stale.identity_key
	`, cutoff, batchSize, now.UTC())
	if err != nil {
		return CleanupResult{}, err
	}

	deletedIPLimits, err := r.deleteBatch(ctx, "stale login ip limits", `
		WITH stale AS (
			SELECT ip
			FROM auth_login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedLoginAttempts: deletedAttempts,
		DeletedIPLimits:      deletedIPLimits,
	}, nil
}

func (r *Repository) deleteBatch(ctx context.Context, what, query string, args ...any) (int64, error) {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", what, err)
	}
	return tag.RowsAffected(), nil
}
