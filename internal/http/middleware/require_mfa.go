package middleware

import (
	"net/http"

	"github.com/tendant/simple-idm-totp/internal/httputil"
)

// RequireMFA only lets through access tokens that passed the second factor,
// or that belong to an account without one. Mount it behind Auth.
func RequireMFA() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, ok := GetClaims(r.Context()); !ok {
				httputil.Error(w, http.StatusUnauthorized, "unauthorized")
			} else if !claims.MFAVerified {
				httputil.Error(w, http.StatusForbidden, "second factor required, sign in again with your authenticator code")
			} else {
				next.ServeHTTP(w, r)
			}
		})
	}
}
