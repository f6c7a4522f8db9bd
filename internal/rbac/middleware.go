package rbac

import (
	"log/slog"
	"net/http"

	"github.com/pharmaquote/pharmaquote/internal/platform/httpx"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Gate   *Gate
	Logger *slog.Logger
}

// RequireAny ensures the current actor's role is granted at least one of the
// permissions in some state. Entity-level checks happen in the services.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			for _, perm := range perms {
				if m.Gate.RoleMayEver(actor.Role, perm) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if m.Logger != nil {
				m.Logger.Warn("rbac denied", slog.String("actor", actor.ID), slog.String("role", string(actor.Role)), slog.String("path", r.URL.Path))
			}
			httpx.RespondError(w, shared.ErrPermissionDenied)
		})
	}
}
