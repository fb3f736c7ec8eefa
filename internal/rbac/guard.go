package rbac

import (
	"context"
	"log/slog"
)

// Checker is the subset of the engine the guards depend on.
type Checker interface {
	Check(ctx context.Context, actorID int64, name PermissionName) (bool, error)
	CheckAny(ctx context.Context, actorID int64, names []PermissionName) (bool, error)
	CheckRole(ctx context.Context, actorID int64, role string) (bool, error)
}

// Guard converts engine answers into typed failures for request handlers.
type Guard struct {
	checker  Checker
	logger   *slog.Logger
	recorder DecisionRecorder
}

// NewGuard constructs a Guard.
func NewGuard(checker Checker, logger *slog.Logger, recorder DecisionRecorder) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{checker: checker, logger: logger, recorder: recorder}
}

// RequirePermission returns actorID when the actor holds name. It fails with
// ErrAuthenticationRequired when no actor is present and *DeniedError when the
// check is negative or cannot be answered.
func (g *Guard) RequirePermission(ctx context.Context, actorID int64, name PermissionName) (int64, error) {
	if actorID <= 0 {
		return 0, ErrAuthenticationRequired
	}
	ok, err := g.checker.Check(ctx, actorID, name)
	if !g.allowed("require_permission", actorID, ok, err, slog.String("permission", string(name))) {
		return 0, permissionDenied(actorID, name)
	}
	return actorID, nil
}

// RequireAnyPermission returns actorID when the actor holds at least one of names.
func (g *Guard) RequireAnyPermission(ctx context.Context, actorID int64, names ...PermissionName) (int64, error) {
	if actorID <= 0 {
		return 0, ErrAuthenticationRequired
	}
	ok, err := g.checker.CheckAny(ctx, actorID, names)
	if !g.allowed("require_any_permission", actorID, ok, err, slog.Any("permissions", names)) {
		return 0, anyPermissionDenied(actorID, names)
	}
	return actorID, nil
}

// RequireSuperAdmin returns actorID when the actor holds the super_admin role.
func (g *Guard) RequireSuperAdmin(ctx context.Context, actorID int64) (int64, error) {
	if actorID <= 0 {
		return 0, ErrAuthenticationRequired
	}
	ok, err := g.checker.CheckRole(ctx, actorID, RoleSuperAdmin)
	if !g.allowed("require_super_admin", actorID, ok, err) {
		return 0, roleDenied(actorID, RoleSuperAdmin)
	}
	return actorID, nil
}

func (g *Guard) allowed(check string, actorID int64, ok bool, err error, attrs ...any) bool {
	outcome := OutcomeDeny
	switch {
	case err != nil:
		ok = false
		outcome = OutcomeError
		args := append([]any{slog.String("check", check), slog.Int64("actor_id", actorID), slog.Any("error", err)}, attrs...)
		g.logger.Error("rbac guard failed closed", args...)
	case ok:
		outcome = OutcomeAllow
	}
	if g.recorder != nil {
		g.recorder.ObserveDecision(check, outcome)
	}
	return ok
}
