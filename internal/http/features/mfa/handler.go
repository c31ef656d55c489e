package mfa

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/internal/http/middleware"
	"github.com/tendant/simple-idm-totp/internal/httputil"
	"github.com/tendant/simple-idm-totp/pkg/auth"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// Accounts looks up the signed in user and re-checks their password.
type Accounts interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	CheckPassword(ctx context.Context, userID uuid.UUID, password string) error
}

// SessionRevoker ends every session of a user.
type SessionRevoker interface {
	RevokeAllSessions(ctx context.Context, userID uuid.UUID) error
}

// Handler handles MFA management for the signed in user.
type Handler struct {
	logger      *slog.Logger
	enrollments *auth.EnrollmentService
	pending     *auth.PendingEnrollments
	accounts    Accounts
	sessions    SessionRevoker
}

// NewHandler creates a new MFA handler
func NewHandler(
	logger *slog.Logger,
	enrollments *auth.EnrollmentService,
	pending *auth.PendingEnrollments,
	accounts Accounts,
	sessions SessionRevoker,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		enrollments: enrollments,
		pending:     pending,
		accounts:    accounts,
		sessions:    sessions,
	}
}

// SetupResponse represents the response body for MFA setup
type SetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURI string `json:"otpauth_uri"`
	QRCode     string `json:"qr_code"`
}

// ConfirmRequest represents the request body for confirming MFA setup
type ConfirmRequest struct {
	Code string `json:"code"`
}

// DisableRequest represents the request body for disabling MFA
type DisableRequest struct {
	Password string `json:"password"`
}

// StatusResponse represents the response body for MFA status
type StatusResponse struct {
	Enabled      bool `json:"enabled"`
	PendingSetup bool `json:"pending_setup"`
}

// Setup handles POST /v1/me/mfa/setup. Calling it again before confirming
// returns the same secret.
func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	accountID := userID.String()

	enabled, err := h.enrollments.Status(ctx, accountID)
	if err != nil {
		h.logger.Error("failed to get MFA status", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to setup MFA")
		return
	}
	if enabled {
		httputil.Error(w, http.StatusConflict, "MFA is already enabled")
		return
	}

	enrollment, ok := h.pending.Get(accountID)
	if !ok {
		user, err := h.accounts.GetUserByID(ctx, userID)
		if err != nil {
			h.logger.Error("failed to get user", "error", err)
			httputil.Error(w, http.StatusInternalServerError, "failed to get user")
			return
		}

		enrollment, err = h.enrollments.Begin(ctx, accountID, user.Email, "")
		if err != nil {
			h.logger.Error("failed to begin MFA enrollment", "error", err)
			httputil.Error(w, http.StatusInternalServerError, "failed to setup MFA")
			return
		}
		h.pending.Put(enrollment)
	}

	setup, err := h.enrollments.SetupResponse(enrollment)
	if err != nil {
		h.logger.Error("failed to render MFA setup", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to setup MFA")
		return
	}

	httputil.JSON(w, http.StatusOK, SetupResponse{
		Secret:     setup.Secret,
		OTPAuthURI: setup.OTPAuthURI,
		QRCode:     setup.QRCodeDataURI,
	})
}

// Confirm handles POST /v1/me/mfa/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ConfirmRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		httputil.Error(w, http.StatusBadRequest, "code is required")
		return
	}

	enrollment, ok := h.pending.Get(userID.String())
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "MFA setup not initiated. Please call /setup first")
		return
	}

	err := h.enrollments.ConfirmWithCode(ctx, enrollment, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrMalformedCode):
		httputil.Error(w, http.StatusBadRequest, "malformed code")
		return
	case errors.Is(err, domain.ErrOTPIncorrectOrExpired):
		httputil.Error(w, http.StatusBadRequest, "invalid MFA code")
		return
	case errors.Is(err, domain.ErrEnrollmentClosed):
		httputil.Error(w, http.StatusConflict, "MFA setup is no longer pending")
		return
	default:
		h.logger.Error("failed to enable MFA", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to enable MFA")
		return
	}

	h.pending.Remove(userID.String())
	httputil.JSON(w, http.StatusOK, map[string]string{
		"message": "MFA enabled successfully",
	})
}

// Cancel handles POST /v1/me/mfa/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if enrollment, ok := h.pending.Remove(userID.String()); ok {
		h.enrollments.Cancel(enrollment)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Disable handles POST /v1/me/mfa/disable
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req DisableRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		httputil.Error(w, http.StatusBadRequest, "password is required")
		return
	}

	if err := h.accounts.CheckPassword(ctx, userID, req.Password); err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			httputil.Error(w, http.StatusUnauthorized, "invalid password")
			return
		}
		h.logger.Error("failed to check password", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to disable MFA")
		return
	}

	if err := h.enrollments.Disable(ctx, userID.String()); err != nil {
		if errors.Is(err, domain.ErrMFANotEnabled) {
			httputil.Error(w, http.StatusBadRequest, "MFA is not enabled")
			return
		}
		h.logger.Error("failed to disable MFA", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to disable MFA")
		return
	}

	// Revoke all sessions for security
	if err := h.sessions.RevokeAllSessions(ctx, userID); err != nil {
		h.logger.Error("failed to revoke sessions", "error", err)
	}

	httputil.JSON(w, http.StatusOK, map[string]string{
		"message": "MFA disabled. All sessions revoked.",
	})
}

// Status handles GET /v1/me/mfa/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	enabled, err := h.enrollments.Status(ctx, userID.String())
	if err != nil {
		h.logger.Error("failed to get MFA status", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to get MFA status")
		return
	}

	_, pending := h.pending.Get(userID.String())
	httputil.JSON(w, http.StatusOK, StatusResponse{
		Enabled:      enabled,
		PendingSetup: pending && !enabled,
	})
}
