package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"authcore/internal/auth"
	"authcore/internal/observability"
)

type AttemptPruner interface {
	PruneStale(ctx context.Context, before time.Time) (int64, error)
}

type RecoveryPruner interface {
	PruneIssuedBefore(ctx context.Context, before time.Time) (int64, error)
}

type AuthDataCleaner interface {
	CleanupStaleAuthData(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (auth.CleanupResult, error)
}

// Targets names what a sweep touches; nil members are skipped.
type Targets struct {
	Attempts AttemptPruner
	Recovery RecoveryPruner
	Database AuthDataCleaner
}

type Result struct {
	DeletedLoginAttempts  int64 `json:"deleted_login_attempts"`
	DeletedIPLimits       int64 `json:"deleted_ip_limits"`
	DeletedRecoveryTokens int64 `json:"deleted_recovery_tokens"`
}

type CleanupHandler struct {
	targets               Targets
	logger                *observability.Logger
	cronSecret            string
	loginAttemptRetention time.Duration
	recoveryRetention     time.Duration
	batchSize             int
	now                   func() time.Time
}

func NewCleanupHandler(
	targets Targets,
	logger *observability.Logger,
	cronSecret string,
	loginAttemptRetention time.Duration,
	recoveryRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}
	if recoveryRetention <= 0 {
		recoveryRetention = 7 * 24 * time.Hour
	}
	return &CleanupHandler{
		targets:               targets,
		logger:                logger,
		cronSecret:            strings.TrimSpace(cronSecret),
		loginAttemptRetention: loginAttemptRetention,
		recoveryRetention:     recoveryRetention,
		batchSize:             batchSize,
		now:                   func() time.Time { return time.Now().UTC() },
	}
}

// Sweep removes expired auth bookkeeping from every configured target.
func (h *CleanupHandler) Sweep(ctx context.Context) (Result, error) {
	now := h.now()
	var result Result

	if h.targets.Database != nil {
		cleaned, err := h.targets.Database.CleanupStaleAuthData(ctx, now, h.loginAttemptRetention, h.batchSize)
		if err != nil {
			return result, err
		}
		result.DeletedLoginAttempts += cleaned.DeletedLoginAttempts
		result.DeletedIPLimits += cleaned.DeletedIPLimits
	}
	if h.targets.Attempts != nil {
		deleted, err := h.targets.Attempts.PruneStale(ctx, now.Add(-h.loginAttemptRetention))
		if err != nil {
			return result, err
		}
		result.DeletedLoginAttempts += deleted
	}
	if h.targets.Recovery != nil {
		deleted, err := h.targets.Recovery.PruneIssuedBefore(ctx, now.Add(-h.recoveryRetention))
		if err != nil {
			return result, err
		}
		result.DeletedRecoveryTokens += deleted
	}

	return result, nil
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(token) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.Sweep(r.Context())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_login_attempts":  result.DeletedLoginAttempts,
		"deleted_ip_limits":       result.DeletedIPLimits,
		"deleted_recovery_tokens": result.DeletedRecoveryTokens,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
