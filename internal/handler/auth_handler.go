package handler

import (
	"net/http"

	"github.com/boddenberg/storefront-client-go/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Auth state
// ============================================================

func authStateHandler(auth Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/auth/state")
		defer span.End()

		writeJSON(w, http.StatusOK, domain.NewAuthStateResponse(auth.State()))
	}
}

func authTokenHandler(auth Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/auth/token")
		defer span.End()

		token, ok := auth.SessionToken()
		if !ok {
			writeError(w, http.StatusUnauthorized, "no backend session")
			return
		}
		writeJSON(w, http.StatusOK, domain.TokenResponse{Token: token})
	}
}

// ============================================================
// Unified login / registration
// ============================================================

func loginHandler(auth Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/login")
		defer span.End()

		req, err := decodeLogin(w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		user, err := auth.LoginWithEmail(ctx, req.Email, req.Password)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, authResult(user, false))
	}
}

func loginGoogleHandler(auth Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/login/google")
		defer span.End()

		user, err := auth.LoginWithGoogle(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, authResult(user, false))
	}
}

func registerHandler(auth Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/register")
		defer span.End()

		req, err := decodeRegister(w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		result, err := auth.RegisterWithEmail(ctx, req.Name, req.Email, req.Password)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusCreated, authResult(result.Profile, result.VerificationSent))
	}
}

func logoutHandler(auth Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/logout")
		defer span.End()

		if err := auth.Logout(ctx); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// ============================================================
// Email verification
// ============================================================

func resendVerificationHandler(auth Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/verification/resend")
		defer span.End()

		if err := auth.ResendVerification(ctx); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]bool{"verificationSent": true})
	}
}

func refreshVerificationHandler(auth Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/verification/refresh")
		defer span.End()

		verified, err := auth.RefreshVerificationStatus(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"isVerified": verified})
	}
}

// ============================================================
// Legacy credentials
// ============================================================

func legacyLoginHandler(auth Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/legacy/login")
		defer span.End()

		req, err := decodeLogin(w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		user, err := auth.LegacyLogin(ctx, req.Email, req.Password)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, authResult(user, false))
	}
}

func legacyRegisterHandler(auth Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/legacy/register")
		defer span.End()

		req, err := decodeRegister(w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		result, err := auth.LegacyRegister(ctx, req.Name, req.Email, req.Password)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusCreated, authResult(result.Profile, false))
	}
}

// ============================================================
// Request parsing
// ============================================================

func decodeLogin(w http.ResponseWriter, r *http.Request) (*domain.LoginRequest, error) {
	var req domain.LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		return nil, err
	}
	if err := requireField("email", req.Email); err != nil {
		return nil, err
	}
	if err := requireField("password", req.Password); err != nil {
		return nil, err
	}
	return &req, nil
}

func decodeRegister(w http.ResponseWriter, r *http.Request) (*domain.RegisterRequest, error) {
	var req domain.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		return nil, err
	}
	if err := requireField("email", req.Email); err != nil {
		return nil, err
	}
	if err := requireField("password", req.Password); err != nil {
		return nil, err
	}
	return &req, nil
}

func authResult(user *domain.UserProfile, verificationSent bool) domain.AuthResultResponse {
	return domain.AuthResultResponse{
		Success:          true,
		User:             user,
		VerificationSent: verificationSent,
		IsVerified:       user != nil && user.EmailVerified,
	}
}
