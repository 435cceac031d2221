package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"store-api/internal/auth"
	"store-api/internal/observability"
)

// Cleaner drops expired one-time tokens and elapsed lockout windows.
type Cleaner interface {
	CleanupStaleAuthData(ctx context.Context, batchSize int) (auth.CleanupResult, error)
}

type CleanupHandler struct {
	repo       Cleaner
	logger     *observability.Logger
	cronSecret string
	batchSize  int
}

func NewCleanupHandler(repo Cleaner, logger *observability.Logger, cronSecret string, batchSize int) *CleanupHandler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &CleanupHandler{
		repo:       repo,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
	}
}

// Run performs one cleanup pass and logs its outcome.
func (h *CleanupHandler) Run(ctx context.Context) (auth.CleanupResult, error) {
	result, err := h.repo.CleanupStaleAuthData(ctx, h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		return result, err
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"cleared_verification_tokens": result.ClearedVerificationTokens,
		"cleared_reset_tokens":        result.ClearedResetTokens,
		"cleared_lockouts":            result.ClearedLockouts,
	})
	return result, nil
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "unauthorized"})
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "cleanup completed",
		"data":    result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
