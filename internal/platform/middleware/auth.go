// Package middleware holds the admin API's HTTP middleware: request ids,
// access logging, panic recovery and bearer-token authentication.
package middleware

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	dErrors "erpsplit/pkg/domain-errors"
	"erpsplit/pkg/platform/httputil"
	"erpsplit/pkg/requestcontext"
)

// JWTValidator validates bearer tokens.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims are the claims the admin API relies on.
type JWTClaims struct {
	Subject string
	Scopes  []string
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller in the request context.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}
			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}
			ctx = requestcontext.WithSubject(ctx, claims.Subject)
			ctx = requestcontext.WithScopes(ctx, claims.Scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope allows the request only when the caller holds scope. It must
// run after RequireAuth.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(requestcontext.Scopes(r.Context()), scope) {
				httputil.WriteError(w, dErrors.Newf(dErrors.CodeUnauthorized, "scope %q required", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
