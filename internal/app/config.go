package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"authcore/internal/auth"
)

type Config struct {
	Port           string
	Environment    string
	Release        string
	JWTSecret      string
	DatabaseURL    string
	RedisURL       string
	SentryDSN      string
	PasswordHasher string
	CronSecret     string

	AccessTokenTTL  time.Duration
	StaySignedInTTL time.Duration
	Policy          auth.Policy

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration

	LoginAttemptRetention  time.Duration
	RecoveryTokenRetention time.Duration
	CleanupBatchSize       int

	DBMaxConns    int
	RunMigrations bool

	Bootstrap BootstrapIdentity
}

// BootstrapIdentity is upserted at startup when Email and Password are set.
type BootstrapIdentity struct {
	Email    string
	Password string
	UserType auth.UserType
	Name     string
}

func LoadConfig() (Config, error) {
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:           envOrDefault("PORT", "8080"),
		Environment:    envOrDefault("APP_ENV", "development"),
		Release:        envOrDefault("APP_RELEASE", Version),
		JWTSecret:      jwtSecret,
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:       strings.TrimSpace(os.Getenv("REDIS_URL")),
		SentryDSN:      strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		PasswordHasher: envOrDefault("PASSWORD_HASHER", "bcrypt"),
		CronSecret:     strings.TrimSpace(os.Getenv("CRON_SECRET")),

		AccessTokenTTL:  envHoursOrDefault("ACCESS_TOKEN_TTL_HOURS", 24),
		StaySignedInTTL: envDaysOrDefault("STAY_SIGNED_IN_TTL_DAYS", 30),
		Policy: auth.Policy{
			MaxFailedAttempts:   envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
			LockoutDuration:     envMinutesOrDefault("LOGIN_LOCK_MINUTES", 30),
			RecoveryTokenTTL:    envMinutesOrDefault("RECOVERY_TOKEN_TTL_MINUTES", 60),
			RecoveryWindow:      24 * time.Hour,
			MaxRecoveryRequests: envIntOrDefault("RECOVERY_MAX_PER_DAY", 3),
		},

		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),

		LoginAttemptRetention:  envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		RecoveryTokenRetention: envDaysOrDefault("AUTH_RECOVERY_TOKEN_RETENTION_DAYS", 7),
		CleanupBatchSize:       envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),

		DBMaxConns:    envIntOrDefault("DB_MAX_CONNS", 10),
		RunMigrations: EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),

		Bootstrap: BootstrapIdentity{
			Email:    strings.TrimSpace(os.Getenv("BOOTSTRAP_EMAIL")),
			Password: os.Getenv("BOOTSTRAP_PASSWORD"),
			UserType: auth.UserType(envOrDefault("BOOTSTRAP_USER_TYPE", string(auth.UserTypeClient))),
			Name:     envOrDefault("BOOTSTRAP_NAME", "Administrador"),
		},
	}

	if len(cfg.JWTSecret) < 32 {
		return Config{}, fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if cfg.Bootstrap.Email != "" && cfg.Bootstrap.UserType != auth.UserTypeClient && cfg.Bootstrap.UserType != auth.UserTypeProfessional {
		return Config{}, fmt.Errorf("BOOTSTRAP_USER_TYPE must be %s or %s", auth.UserTypeClient, auth.UserTypeProfessional)
	}
	return cfg, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
