package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/internal/http/middleware"
	"github.com/tendant/simple-idm-totp/internal/httputil"
	"github.com/tendant/simple-idm-totp/pkg/auth"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// Sessions refreshes and revokes issued sessions.
type Sessions interface {
	RefreshSession(ctx context.Context, refreshToken string) (*domain.TokenPair, error)
	RevokeSession(ctx context.Context, sessionID uuid.UUID) error
	RevokeAllSessions(ctx context.Context, userID uuid.UUID) error
	AccessTokenTTL() time.Duration
	RefreshTokenTTL() time.Duration
}

// Handler handles session endpoints.
type Handler struct {
	logger       *slog.Logger
	sessions     Sessions
	events       auth.EventSink
	cookieConfig httputil.CookieConfig
}

// NewHandler creates a new session handler. events may be nil.
func NewHandler(logger *slog.Logger, sessions Sessions, events auth.EventSink, cookieConfig httputil.CookieConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = auth.MultiSink{}
	}
	return &Handler{
		logger:       logger,
		sessions:     sessions,
		events:       events,
		cookieConfig: cookieConfig,
	}
}

// RefreshRequest represents a token refresh request (for mobile clients).
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse represents a token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh refreshes an access token.
// POST /v1/auth/refresh
//
// For web clients: Reads refresh token from cookie, sets new cookies.
// For mobile clients: Reads/returns tokens in request/response body.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var refreshToken string

	if httputil.IsMobileClient(r) {
		var req RefreshRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		refreshToken = req.RefreshToken
	} else {
		var ok bool
		refreshToken, ok = httputil.GetRefreshTokenFromCookie(r)
		if !ok {
			httputil.Error(w, http.StatusUnauthorized, "refresh token not found")
			return
		}
	}

	if refreshToken == "" {
		httputil.Error(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	tokens, err := h.sessions.RefreshSession(r.Context(), refreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) ||
			errors.Is(err, domain.ErrSessionExpired) ||
			errors.Is(err, domain.ErrSessionRevoked) {
			if !httputil.IsMobileClient(r) {
				httputil.ClearAuthCookies(w, h.cookieConfig)
			}
			httputil.Error(w, http.StatusUnauthorized, "invalid or expired refresh token")
			return
		}
		h.logger.Error("failed to refresh session", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	if httputil.IsMobileClient(r) {
		httputil.JSON(w, http.StatusOK, TokenResponse{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			TokenType:    tokens.TokenType,
			ExpiresIn:    tokens.ExpiresIn,
		})
		return
	}

	httputil.SetAuthCookies(w, tokens.AccessToken, tokens.RefreshToken,
		h.sessions.AccessTokenTTL(), h.sessions.RefreshTokenTTL(), h.cookieConfig)
	httputil.JSON(w, http.StatusOK, TokenResponse{
		TokenType: tokens.TokenType,
		ExpiresIn: tokens.ExpiresIn,
	})
}

// Logout revokes the caller's session.
// POST /v1/auth/logout
// Requires authentication
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID, ok := middleware.GetSessionID(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.sessions.RevokeSession(ctx, sessionID); err != nil {
		h.logger.Error("failed to revoke session", "error", err, "session_id", sessionID)
		httputil.Error(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	h.events.Publish(ctx, domain.Event{
		Kind:      domain.EventSignedOut,
		AccountID: userID.String(),
		SessionID: sessionID.String(),
		At:        time.Now().UTC(),
	})

	if !httputil.IsMobileClient(r) {
		httputil.ClearAuthCookies(w, h.cookieConfig)
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll revokes all sessions for the current user.
// POST /v1/auth/logout/all
// Requires authentication
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.sessions.RevokeAllSessions(ctx, userID); err != nil {
		h.logger.Error("failed to revoke sessions", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to logout all sessions")
		return
	}

	h.events.Publish(ctx, domain.Event{
		Kind:      domain.EventSignedOut,
		AccountID: userID.String(),
		At:        time.Now().UTC(),
	})

	if !httputil.IsMobileClient(r) {
		httputil.ClearAuthCookies(w, h.cookieConfig)
	}
	w.WriteHeader(http.StatusNoContent)
}
