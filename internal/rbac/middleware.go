package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// Middleware wires the guards into chi routes. The actor is resolved from the
// session once per request and passed to the guard explicitly.
type Middleware struct {
	Guard  *Guard
	Logger *slog.Logger
}

// Authenticated only requires an actor to be present.
func (m Middleware) Authenticated() func(http.Handler) http.Handler {
	return m.require(func(_ context.Context, actorID int64) (int64, error) {
		if actorID <= 0 {
			return 0, ErrAuthenticationRequired
		}
		return actorID, nil
	})
}

// RequirePermission gates the route on a single permission.
func (m Middleware) RequirePermission(name PermissionName) func(http.Handler) http.Handler {
	return m.require(func(ctx context.Context, actorID int64) (int64, error) {
		return m.Guard.RequirePermission(ctx, actorID, name)
	})
}

// RequireAny gates the route on at least one of names.
func (m Middleware) RequireAny(names ...PermissionName) func(http.Handler) http.Handler {
	return m.require(func(ctx context.Context, actorID int64) (int64, error) {
		return m.Guard.RequireAnyPermission(ctx, actorID, names...)
	})
}

// RequireSuperAdmin gates the route on the super_admin role.
func (m Middleware) RequireSuperAdmin() func(http.Handler) http.Handler {
	return m.require(m.Guard.RequireSuperAdmin)
}

func (m Middleware) require(check func(context.Context, int64) (int64, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID, err := check(r.Context(), m.currentActorID(r))
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actorID)))
		})
	}
}

func (m Middleware) currentActorID(r *http.Request) int64 {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0
	}
	id, ok, err := sess.ActorID()
	if err != nil && m.Logger != nil {
		m.Logger.Error("rbac parse actor id", slog.Any("error", err))
	}
	if !ok {
		return 0
	}
	return id
}

// writeError maps RBAC failures onto problem responses. Unauthenticated
// callers never learn which requirement they failed.
func writeError(w http.ResponseWriter, err error) {
	var denied *DeniedError
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		httpx.RespondError(w, httpx.ErrUnauthorized)
	case errors.As(err, &denied):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrForbidden, denied.Error()))
	case errors.Is(err, ErrAuthorizationDenied):
		httpx.RespondError(w, httpx.ErrForbidden)
	case errors.Is(err, ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")))
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err.Error()))
	case errors.Is(err, ErrConflict):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrDuplicate, err.Error()))
	case errors.Is(err, ErrStoreUnavailable):
		httpx.RespondError(w, httpx.ErrUnavailable)
	default:
		httpx.RespondError(w, err)
	}
}
