package me

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/internal/http/middleware"
	"github.com/tendant/simple-idm-totp/internal/httputil"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// Accounts loads user profiles.
type Accounts interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// Handler handles user profile endpoints.
type Handler struct {
	logger   *slog.Logger
	accounts Accounts
}

// NewHandler creates a new me handler.
func NewHandler(logger *slog.Logger, accounts Accounts) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, accounts: accounts}
}

// UserResponse represents the user profile response.
type UserResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	Name        *string `json:"name,omitempty"`
	MFAEnabled  bool    `json:"mfa_enabled"`
	MFAVerified bool    `json:"mfa_verified"`
}

// GetMe returns the current user's profile.
// GET /v1/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.accounts.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			httputil.Error(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("failed to load user", "error", err, "user_id", userID)
		httputil.Error(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	resp := UserResponse{
		ID:         user.ID.String(),
		Email:      user.Email,
		Name:       user.Name,
		MFAEnabled: user.MFAEnabled,
	}
	if claims, ok := middleware.GetClaims(r.Context()); ok && claims != nil {
		resp.MFAVerified = claims.MFAVerified
	}
	httputil.JSON(w, http.StatusOK, resp)
}
