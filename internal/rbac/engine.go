package rbac

import (
	"context"
	"log/slog"
	"time"
)

// DefaultQueryTimeout bounds every store call made by the engine and manager.
const DefaultQueryTimeout = 2 * time.Second

// Decision outcomes reported to a DecisionRecorder.
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
	OutcomeError = "error"
)

// DecisionRecorder observes authorization outcomes.
type DecisionRecorder interface {
	ObserveDecision(check, outcome string)
}

// EngineConfig tunes the authorization engine.
type EngineConfig struct {
	Timeout       time.Duration
	EnforceExpiry bool
	Clock         func() time.Time
	Logger        *slog.Logger
	Recorder      DecisionRecorder
}

// Engine answers authorization questions against the active chain
// assignment -> role -> grant -> permission. It holds no authorization state
// between calls.
type Engine struct {
	resolver      Resolver
	timeout       time.Duration
	enforceExpiry bool
	clock         func() time.Time
	logger        *slog.Logger
	recorder      DecisionRecorder
}

// NewEngine constructs an Engine.
func NewEngine(resolver Resolver, cfg EngineConfig) *Engine {
	e := &Engine{
		resolver:      resolver,
		timeout:       cfg.Timeout,
		enforceExpiry: cfg.EnforceExpiry,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		recorder:      cfg.Recorder,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultQueryTimeout
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// asOf returns the instant used for expiry filtering, or zero when expiry is ignored.
func (e *Engine) asOf() time.Time {
	if !e.enforceExpiry {
		return time.Time{}
	}
	return e.clock().UTC()
}

// Check reports whether the actor holds the permission, surfacing store failures.
func (e *Engine) Check(ctx context.Context, actorID int64, name PermissionName) (bool, error) {
	return e.CheckAny(ctx, actorID, []PermissionName{name})
}

// CheckAny reports whether the actor holds at least one of names. An empty
// list is never satisfied.
func (e *Engine) CheckAny(ctx context.Context, actorID int64, names []PermissionName) (bool, error) {
	names = uniqueNames(names)
	if actorID <= 0 || len(names) == 0 {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ok, err := e.resolver.HasAnyPermission(ctx, actorID, names, e.asOf())
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// CheckRole reports whether the actor actively holds the named role.
func (e *Engine) CheckRole(ctx context.Context, actorID int64, role string) (bool, error) {
	if actorID <= 0 || role == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ok, err := e.resolver.HasRole(ctx, actorID, role, e.asOf())
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// HasPermission reports whether the actor holds the exact permission. Store
// failures deny.
func (e *Engine) HasPermission(ctx context.Context, actorID int64, name PermissionName) bool {
	ok, err := e.Check(ctx, actorID, name)
	return e.decide("has_permission", actorID, ok, err, slog.String("permission", string(name)))
}

// HasAnyPermission reports whether the actor holds at least one of names.
// Store failures deny.
func (e *Engine) HasAnyPermission(ctx context.Context, actorID int64, names ...PermissionName) bool {
	ok, err := e.CheckAny(ctx, actorID, names)
	return e.decide("has_any_permission", actorID, ok, err, slog.Any("permissions", names))
}

// HasAllPermissions reports whether the actor holds every one of names. An
// empty list is never satisfied. Store failures deny.
func (e *Engine) HasAllPermissions(ctx context.Context, actorID int64, names ...PermissionName) bool {
	names = uniqueNames(names)
	if actorID <= 0 || len(names) == 0 {
		return e.decide("has_all_permissions", actorID, false, nil)
	}
	granted, err := e.GetUserPermissions(ctx, actorID)
	if err != nil {
		return e.decide("has_all_permissions", actorID, false, err, slog.Any("permissions", names))
	}
	set := make(map[PermissionName]struct{}, len(granted))
	for _, p := range granted {
		set[p.Name] = struct{}{}
	}
	for _, n := range names {
		if _, ok := set[n]; !ok {
			return e.decide("has_all_permissions", actorID, false, nil)
		}
	}
	return e.decide("has_all_permissions", actorID, true, nil)
}

// HasRole reports whether the actor actively holds the named role. It does not
// consult permissions. Store failures deny.
func (e *Engine) HasRole(ctx context.Context, actorID int64, role string) bool {
	ok, err := e.CheckRole(ctx, actorID, role)
	return e.decide("has_role", actorID, ok, err, slog.String("role", role))
}

// IsSuperAdmin reports whether the actor holds the super_admin role. It grants
// no permission bypass.
func (e *Engine) IsSuperAdmin(ctx context.Context, actorID int64) bool {
	ok, err := e.CheckRole(ctx, actorID, RoleSuperAdmin)
	return e.decide("is_super_admin", actorID, ok, err)
}

// GetUserPermissions materialises the effective permission set, deduplicated by name.
func (e *Engine) GetUserPermissions(ctx context.Context, actorID int64) ([]Permission, error) {
	if actorID <= 0 {
		return []Permission{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	perms, err := e.resolver.ListActorPermissions(ctx, actorID, e.asOf())
	if err != nil {
		return nil, classify(err)
	}
	seen := make(map[PermissionName]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if _, dup := seen[p.Name]; dup {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// GetUserRoles returns the actor's active assignments joined to active roles.
func (e *Engine) GetUserRoles(ctx context.Context, actorID int64) ([]RoleAssignment, error) {
	if actorID <= 0 {
		return []RoleAssignment{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	roles, err := e.resolver.ListActorRoles(ctx, actorID, e.asOf())
	if err != nil {
		return nil, classify(err)
	}
	if roles == nil {
		roles = []RoleAssignment{}
	}
	return roles, nil
}

// decide applies the fail-closed rule and reports the outcome.
func (e *Engine) decide(check string, actorID int64, ok bool, err error, attrs ...any) bool {
	outcome := OutcomeDeny
	switch {
	case err != nil:
		outcome = OutcomeError
		ok = false
		args := append([]any{slog.String("check", check), slog.Int64("actor_id", actorID), slog.Any("error", err)}, attrs...)
		e.logger.Error("rbac check failed closed", args...)
	case ok:
		outcome = OutcomeAllow
	}
	if e.recorder != nil {
		e.recorder.ObserveDecision(check, outcome)
	}
	return ok
}

func uniqueNames(names []PermissionName) []PermissionName {
	if len(names) < 2 {
		return names
	}
	seen := make(map[PermissionName]struct{}, len(names))
	out := make([]PermissionName, 0, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
