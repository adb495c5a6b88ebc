package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/httputil"
	"ban/pkg/requestcontext"
)

// ScopeView guards every read endpoint.
const ScopeView = "view"

// Authenticator resolves a bearer token to the session principal.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (requestcontext.Principal, error)
}

// RequireAuth rejects requests without a valid bearer token and attaches
// the principal to the context.
func RequireAuth(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Missing or invalid Authorization header"))
				return
			}

			principal, err := auth.Authenticate(ctx, strings.TrimSpace(token))
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				if dErrors.CodeOf(err) == dErrors.CodeInternal {
					httputil.WriteError(w, err)
					return
				}
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Invalid or expired token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithActor(ctx, principal)))
		})
	}
}

// Allowed reports whether p may use an endpoint guarded by scope. Any valid
// session may read; viewer tokens carry no scopes.
func Allowed(p requestcontext.Principal, scope string) bool {
	if scope == ScopeView {
		return true
	}
	return p.HasScope(scope)
}

// RequireScope answers 401 when the session lacks scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := requestcontext.Actor(r.Context())
			if !ok || !Allowed(p, scope) {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing scope "+scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
