package gate

import (
	"log/slog"
	"net/http"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Middleware wires access guards for HTTP handlers. Role is evaluated
// here once per request; call sites never re-check it.
type Middleware struct {
	Gate   *Gate
	Logger *slog.Logger
}

// RequireAdmin rejects callers without the admin role.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := shared.IdentityFromContext(r.Context())
		if id.Anonymous {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
			return
		}
		if !id.IsAdmin() {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireFeature guards a route behind a feature flag. A disabled
// feature yields a 403 problem document, never a panic or 500.
func (m Middleware) RequireFeature(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := shared.IdentityFromContext(r.Context())
			if err := m.Gate.RequireFeature(r.Context(), id, key); err != nil {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
