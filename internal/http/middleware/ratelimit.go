package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/tendant/simple-idm-totp/internal/config"
	"github.com/tendant/simple-idm-totp/internal/httputil"
)

// Limiter groups.
const (
	LimitAuth    = "auth"
	LimitVerify  = "verify"
	LimitRefresh = "refresh"
	LimitProfile = "profile"
)

// RateLimitConfig holds rate limiting configuration for a specific endpoint type.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Logger   *slog.Logger
}

// RateLimit creates an IP-based rate limiter middleware with logging.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.Requests,
		cfg.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Logger != nil {
				cfg.Logger.Warn("rate limit exceeded",
					"ip", r.RemoteAddr,
					"path", r.URL.Path,
					"method", r.Method,
				)
			}
			httputil.Error(w, http.StatusTooManyRequests, "rate limit exceeded. please try again later")
		}),
	)
}

// NoRateLimit returns a no-op middleware when rate limiting is disabled.
func NoRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// CreateRateLimiters creates rate limiting middleware functions based on configuration.
// The verify group guards second factor submission, the endpoint a code
// guesser would hammer.
func CreateRateLimiters(cfg config.RateLimitConfig, logger *slog.Logger) map[string]func(http.Handler) http.Handler {
	if !cfg.Enabled {
		noOp := NoRateLimit()
		return map[string]func(http.Handler) http.Handler{
			LimitAuth:    noOp,
			LimitVerify:  noOp,
			LimitRefresh: noOp,
			LimitProfile: noOp,
		}
	}

	limiter := func(requests, windowMinutes int) func(http.Handler) http.Handler {
		return RateLimit(RateLimitConfig{
			Requests: requests,
			Window:   time.Duration(windowMinutes) * time.Minute,
			Logger:   logger,
		})
	}

	return map[string]func(http.Handler) http.Handler{
		LimitAuth:    limiter(cfg.AuthRequestsPerMinute, cfg.AuthWindowMinutes),
		LimitVerify:  limiter(cfg.VerifyRequestsPerWindow, cfg.VerifyWindowMinutes),
		LimitRefresh: limiter(cfg.RefreshRequestsPerMinute, cfg.RefreshWindowMinutes),
		LimitProfile: limiter(cfg.ProfileRequestsPerMinute, cfg.ProfileWindowMinutes),
	}
}
