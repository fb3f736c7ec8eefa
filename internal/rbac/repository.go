package rbac

import (
	"context"
	"time"

	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// Resolver answers the active-chain queries behind the engine. A zero asOf
// disables expiry filtering.
type Resolver interface {
	HasAnyPermission(ctx context.Context, actorID int64, names []PermissionName, asOf time.Time) (bool, error)
	HasRole(ctx context.Context, actorID int64, role string, asOf time.Time) (bool, error)
	ListActorPermissions(ctx context.Context, actorID int64, asOf time.Time) ([]Permission, error)
	ListActorRoles(ctx context.Context, actorID int64, asOf time.Time) ([]RoleAssignment, error)
}

// CatalogReader exposes catalog lookups shared by the pool and transactions.
type CatalogReader interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	GetPermissionByName(ctx context.Context, name PermissionName) (Permission, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	ListAssignments(ctx context.Context, actorID int64, includeRevoked bool) ([]RoleAssignment, error)
}

// Repository is the persistence port of the RBAC core.
type Repository interface {
	Resolver
	CatalogReader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CatalogReader

	// Catalog operations
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	CreatePermission(ctx context.Context, perm Permission) (Permission, error)
	SetPermissionActive(ctx context.Context, id int64, active bool) (Permission, error)

	// Grant operations
	InsertGrant(ctx context.Context, grant RolePermissionGrant) error
	DeleteRoleGrants(ctx context.Context, roleID int64) error

	// Assignment operations
	LockAssignment(ctx context.Context, actorID, roleID int64) (ActorRoleAssignment, error)
	InsertAssignment(ctx context.Context, a ActorRoleAssignment) (ActorRoleAssignment, error)
	SaveAssignment(ctx context.Context, a ActorRoleAssignment) (ActorRoleAssignment, error)
	DeleteRoleAssignments(ctx context.Context, roleID int64) error
	DeactivateExpired(ctx context.Context, asOf time.Time) (int64, error)
}

// ActorDirectory answers whether an actor id is known to the identity directory.
type ActorDirectory interface {
	ActorExists(ctx context.Context, actorID int64) (bool, error)
}

// Auditor records catalog and assignment mutations.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}
