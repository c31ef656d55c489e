package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/tendant/simple-idm-totp/internal/config"
	"github.com/tendant/simple-idm-totp/internal/http/features/login"
	"github.com/tendant/simple-idm-totp/internal/http/features/me"
	"github.com/tendant/simple-idm-totp/internal/http/features/mfa"
	"github.com/tendant/simple-idm-totp/internal/http/features/password"
	"github.com/tendant/simple-idm-totp/internal/http/features/session"
	"github.com/tendant/simple-idm-totp/internal/http/middleware"
	"github.com/tendant/simple-idm-totp/internal/httputil"
	"github.com/tendant/simple-idm-totp/pkg/auth"
)

// AccountService covers the account operations the HTTP layer needs.
type AccountService interface {
	password.Registrar
	mfa.Accounts
}

// SessionService covers token issuance and validation.
type SessionService interface {
	login.TokenIssuer
	session.Sessions
	middleware.TokenValidator
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger             *slog.Logger
	Coordinator        *auth.Coordinator
	Challenges         *auth.LoginChallenges
	Enrollments        *auth.EnrollmentService
	PendingEnrollments *auth.PendingEnrollments
	Accounts           AccountService
	Sessions           SessionService
	Usage              login.UsageRecorder
	Events             auth.EventSink
	RateLimitConfig    config.RateLimitConfig
	SecurityHeaders    config.SecurityHeadersConfig
	MaxRequestBodySize int64
	CookieConfig       httputil.CookieConfig
	// Health reports dependency status for /health. Nil always reports ok.
	Health func(ctx context.Context) error
}

// NewRouter creates a new HTTP router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()

	// Apply global middleware
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders(cfg.SecurityHeaders))
	r.Use(middleware.RequestSizeLimit(cfg.MaxRequestBodySize))

	r.Get("/health", healthHandler(cfg.Health))

	rateLimiters := middleware.CreateRateLimiters(cfg.RateLimitConfig, cfg.Logger)
	requireAuth := middleware.Auth(cfg.Sessions)

	passwordHandler := password.NewHandler(cfg.Logger, cfg.Accounts)
	loginHandler := login.NewHandler(
		cfg.Logger,
		cfg.Coordinator,
		cfg.Challenges,
		cfg.Sessions,
		cfg.Usage,
		cfg.CookieConfig,
	)
	r.Group(func(r chi.Router) {
		r.Use(rateLimiters[middleware.LimitAuth])
		passwordHandler.RegisterRoutes(r)
		r.Post("/v1/auth/login", loginHandler.Login)
		r.Post("/v1/auth/mfa/cancel", loginHandler.Cancel)
	})
	r.With(rateLimiters[middleware.LimitVerify]).Post("/v1/auth/mfa/verify", loginHandler.Verify)

	sessionHandler := session.NewHandler(cfg.Logger, cfg.Sessions, cfg.Events, cfg.CookieConfig)
	r.With(rateLimiters[middleware.LimitRefresh]).Post("/v1/auth/refresh", sessionHandler.Refresh)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/v1/auth/logout", sessionHandler.Logout)
		r.Post("/v1/auth/logout/all", sessionHandler.LogoutAll)
	})

	meHandler := me.NewHandler(cfg.Logger, cfg.Accounts)
	mfaHandler := mfa.NewHandler(
		cfg.Logger,
		cfg.Enrollments,
		cfg.PendingEnrollments,
		cfg.Accounts,
		cfg.Sessions,
	)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(rateLimiters[middleware.LimitProfile])
		r.Get("/v1/me", meHandler.GetMe)
		r.Get("/v1/me/mfa/status", mfaHandler.Status)
		r.Post("/v1/me/mfa/setup", mfaHandler.Setup)
		r.Post("/v1/me/mfa/confirm", mfaHandler.Confirm)
		r.Post("/v1/me/mfa/cancel", mfaHandler.Cancel)
		r.With(middleware.RequireMFA()).Post("/v1/me/mfa/disable", mfaHandler.Disable)
	})

	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
