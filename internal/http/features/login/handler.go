package login

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/simple-idm-totp/internal/httputil"
	"github.com/tendant/simple-idm-totp/pkg/auth"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// TokenIssuer issues tokens once a login attempt is authenticated.
type TokenIssuer interface {
	IssueSession(ctx context.Context, principal domain.Principal, mfaVerified bool) (*domain.TokenPair, error)
	AccessTokenTTL() time.Duration
	RefreshTokenTTL() time.Duration
}

// UsageRecorder is told when a second factor was used to log in.
type UsageRecorder interface {
	MarkUsed(ctx context.Context, accountID string) error
}

// Handler drives the two-step login over HTTP. Attempts waiting for their
// second factor are held server side under an opaque challenge token.
type Handler struct {
	logger       *slog.Logger
	coordinator  *auth.Coordinator
	challenges   *auth.LoginChallenges
	tokens       TokenIssuer
	usage        UsageRecorder
	cookieConfig httputil.CookieConfig
}

// NewHandler creates a new login handler. usage may be nil.
func NewHandler(
	logger *slog.Logger,
	coordinator *auth.Coordinator,
	challenges *auth.LoginChallenges,
	tokens TokenIssuer,
	usage UsageRecorder,
	cookieConfig httputil.CookieConfig,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:       logger,
		coordinator:  coordinator,
		challenges:   challenges,
		tokens:       tokens,
		usage:        usage,
		cookieConfig: cookieConfig,
	}
}

// LoginRequest represents a login request.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse reports where the login attempt ended up. Tokens are only
// present in the body for mobile clients; web clients get cookies.
type LoginResponse struct {
	State          string `json:"state"`
	ChallengeToken string `json:"challenge_token,omitempty"`
	AccessToken    string `json:"access_token,omitempty"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	TokenType      string `json:"token_type,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
}

// VerifyRequest represents the request body for second factor verification.
type VerifyRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
}

// CancelRequest abandons a login attempt waiting for its second factor.
type CancelRequest struct {
	ChallengeToken string `json:"challenge_token"`
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		httputil.Error(w, http.StatusBadRequest, "email and password are required")
		return
	}

	ctx := r.Context()
	session := h.coordinator.NewLoginSession()
	state, err := session.BeginLogin(ctx, req.Email, req.Password)
	if err != nil {
		h.writeLoginError(w, err)
		return
	}

	switch state {
	case domain.StateAuthenticated:
		h.issue(w, r, session, false)
	case domain.StateAwaitingSecondFactor:
		token, err := h.challenges.Issue(session)
		if err != nil {
			h.logger.Error("failed to issue MFA challenge", "error", err)
			if err := session.SignOut(ctx); err != nil {
				h.logger.Error("failed to sign out abandoned login", "error", err)
			}
			httputil.Error(w, http.StatusInternalServerError, "login failed")
			return
		}
		httputil.JSON(w, http.StatusOK, LoginResponse{
			State:          state.String(),
			ChallengeToken: token,
		})
	default:
		h.logger.Error("login ended in unexpected state", "state", state.String())
		httputil.Error(w, http.StatusInternalServerError, "login failed")
	}
}

// Verify handles POST /v1/auth/mfa/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.ChallengeToken == "" || req.Code == "" {
		httputil.Error(w, http.StatusBadRequest, "challenge_token and code are required")
		return
	}

	session, ok := h.challenges.Lookup(req.ChallengeToken)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "invalid or expired challenge token")
		return
	}

	ctx := r.Context()
	_, err := session.SubmitSecondFactor(ctx, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrMalformedCode):
		httputil.Error(w, http.StatusBadRequest, "malformed code")
		return
	case errors.Is(err, domain.ErrOTPIncorrectOrExpired):
		httputil.Error(w, http.StatusUnauthorized, "invalid MFA code")
		return
	case errors.Is(err, domain.ErrOTPReplayed):
		httputil.Error(w, http.StatusUnauthorized, "code already used, wait for the next one")
		return
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrStaleLoginAttempt):
		h.challenges.Consume(req.ChallengeToken)
		httputil.Error(w, http.StatusConflict, "login attempt is no longer active")
		return
	default:
		h.logger.Error("failed to verify second factor", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to complete MFA verification")
		return
	}

	h.challenges.Consume(req.ChallengeToken)

	if h.usage != nil {
		if err := h.usage.MarkUsed(ctx, session.Principal().AccountID); err != nil {
			h.logger.Warn("failed to record MFA usage", "error", err)
		}
	}

	h.issue(w, r, session, true)
}

// Cancel handles POST /v1/auth/mfa/cancel. Unknown tokens are not an error.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.ChallengeToken == "" {
		httputil.Error(w, http.StatusBadRequest, "challenge_token is required")
		return
	}

	if session, ok := h.challenges.Consume(req.ChallengeToken); ok {
		if err := session.CancelSecondFactor(r.Context()); err != nil {
			h.logger.Error("failed to cancel login", "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, session *auth.LoginSession, mfaVerified bool) {
	ctx := r.Context()
	tokens, err := h.tokens.IssueSession(ctx, session.Principal(), mfaVerified)
	if err != nil {
		if err := session.SignOut(ctx); err != nil {
			h.logger.Error("failed to sign out after issue failure", "error", err)
		}
		if errors.Is(err, domain.ErrSessionExpired) || errors.Is(err, domain.ErrSessionRevoked) || errors.Is(err, domain.ErrSessionNotFound) {
			httputil.Error(w, http.StatusUnauthorized, "login expired, sign in again")
			return
		}
		h.logger.Error("failed to issue session", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to issue session")
		return
	}

	resp := LoginResponse{
		State:     domain.StateAuthenticated.String(),
		TokenType: tokens.TokenType,
		ExpiresIn: tokens.ExpiresIn,
	}
	if httputil.IsMobileClient(r) {
		resp.AccessToken = tokens.AccessToken
		resp.RefreshToken = tokens.RefreshToken
	} else {
		httputil.SetAuthCookies(w, tokens.AccessToken, tokens.RefreshToken,
			h.tokens.AccessTokenTTL(), h.tokens.RefreshTokenTTL(), h.cookieConfig)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

func (h *Handler) writeLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCredentialsRequired):
		httputil.Error(w, http.StatusBadRequest, "email and password are required")
	case errors.Is(err, domain.ErrInvalidCredentials):
		httputil.Error(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, domain.ErrAccountLocked):
		httputil.Error(w, http.StatusLocked, "account locked, try again later")
	default:
		// Corrupt security records land here too; the client learns nothing.
		h.logger.Error("login failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "login failed")
	}
}
