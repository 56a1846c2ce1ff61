package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/boddenberg/storefront-client-go/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error             string           `json:"error"`
	Kind              domain.ErrorKind `json:"kind,omitempty"`
	FallbackAvailable bool             `json:"fallbackAvailable"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &domain.ErrValidation{Field: "body", Message: "invalid request body"}
	}
	return nil
}

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &domain.ErrValidation{Field: field, Message: "is required"}
	}
	return nil
}

// statusForKind maps an auth error kind to its HTTP status.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidCredentials:
		return http.StatusUnauthorized
	case domain.KindNotVerified, domain.KindUserDisabled:
		return http.StatusForbidden
	case domain.KindEmailInUse:
		return http.StatusConflict
	case domain.KindValidation, domain.KindWeakPassword:
		return http.StatusBadRequest
	case domain.KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var authErr *domain.AuthError
	var validation *domain.ErrValidation
	var circuitOpen *domain.ErrCircuitOpen

	switch {
	case errors.As(err, &authErr):
		status := statusForKind(authErr.Kind)
		fields := []zap.Field{zap.String("kind", string(authErr.Kind)), zap.Error(authErr.Err)}
		switch {
		case status >= 500:
			logger.Error("auth operation failed", fields...)
		case authErr.Kind == domain.KindNetwork:
			logger.Warn("auth operation failed", fields...)
		default:
			logger.Debug("auth operation rejected", fields...)
		}
		writeJSON(w, status, errorResponse{
			Error:             authErr.Error(),
			Kind:              authErr.Kind,
			FallbackAvailable: authErr.FallbackAvailable,
		})
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: domain.KindValidation})
	case errors.Is(err, domain.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "authentication is initializing")
	case errors.Is(err, domain.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not authenticated")
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: domain.KindNetwork.DefaultMessage(), Kind: domain.KindNetwork})
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error", Kind: domain.KindUnknown})
	}
}
