package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/db"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	queries
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{queries: queries{db: pool}, pool: pool}
}

var _ Repository = (*PGRepository)(nil)

// WithTx wraps callback in a repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{queries: queries{db: tx}})
	})
}

type txRepository struct {
	queries
}

var _ TxRepository = (*txRepository)(nil)

type queries struct {
	db dbtx
}

const (
	roleColumns       = `r.id, r.name, r.display_name, r.description, r.is_active, r.is_system_role, r.created_at, r.updated_at`
	permissionColumns = `p.id, p.name, p.resource, p.action, p.display_name, p.description, p.is_active, p.created_at`
	assignmentColumns = `ara.id, ara.actor_id, ara.role_id, ara.assigned_at, ara.assigned_by, ara.expires_at, ara.is_active`

	// activeChain joins an actor's live assignments down to active permissions.
	activeChain = `
		FROM actor_role_assignments ara
		JOIN roles r ON r.id = ara.role_id AND r.is_active
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id AND p.is_active
		WHERE ara.actor_id = $1
		  AND ara.is_active
		  AND ($2::timestamptz IS NULL OR ara.expires_at IS NULL OR ara.expires_at > $2)`
)

func asOfParam(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.IsActive, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.Name, &perm.Resource, &perm.Action, &perm.DisplayName, &perm.Description, &perm.IsActive, &perm.CreatedAt)
	return perm, err
}

func scanAssignment(row pgx.Row) (ActorRoleAssignment, error) {
	var a ActorRoleAssignment
	err := row.Scan(&a.ID, &a.ActorID, &a.RoleID, &a.AssignedAt, &a.AssignedBy, &a.ExpiresAt, &a.IsActive)
	return a, err
}

func collectPermissions(rows pgx.Rows, err error) ([]Permission, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func collectRoleAssignments(rows pgx.Rows, err error) ([]RoleAssignment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleAssignment
	for rows.Next() {
		var ra RoleAssignment
		a := &ra.Assignment
		r := &ra.Role
		if err := rows.Scan(
			&a.ID, &a.ActorID, &a.RoleID, &a.AssignedAt, &a.AssignedBy, &a.ExpiresAt, &a.IsActive,
			&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.IsActive, &r.IsSystemRole, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, ra)
	}
	return out, rows.Err()
}

// mapPgError translates driver errors into domain errors.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

// ============================================================================
// RESOLUTION
// ============================================================================

func (q queries) HasAnyPermission(ctx context.Context, actorID int64, names []PermissionName, asOf time.Time) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}
	raw := make([]string, len(names))
	for i, n := range names {
		raw[i] = string(n)
	}
	var ok bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 `+activeChain+` AND p.name = ANY($3))`, actorID, asOfParam(asOf), raw).Scan(&ok)
	return ok, err
}

func (q queries) HasRole(ctx context.Context, actorID int64, role string, asOf time.Time) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM actor_role_assignments ara
			JOIN roles r ON r.id = ara.role_id AND r.is_active
			WHERE ara.actor_id = $1
			  AND ara.is_active
			  AND ($2::timestamptz IS NULL OR ara.expires_at IS NULL OR ara.expires_at > $2)
			  AND r.name = $3
		)`, actorID, asOfParam(asOf), role).Scan(&ok)
	return ok, err
}

func (q queries) ListActorPermissions(ctx context.Context, actorID int64, asOf time.Time) ([]Permission, error) {
	return collectPermissions(q.db.Query(ctx, `SELECT DISTINCT `+permissionColumns+activeChain+` ORDER BY p.name`, actorID, asOfParam(asOf)))
}

func (q queries) ListActorRoles(ctx context.Context, actorID int64, asOf time.Time) ([]RoleAssignment, error) {
	return collectRoleAssignments(q.db.Query(ctx, `
		SELECT `+assignmentColumns+`, `+roleColumns+`
		FROM actor_role_assignments ara
		JOIN roles r ON r.id = ara.role_id AND r.is_active
		WHERE ara.actor_id = $1
		  AND ara.is_active
		  AND ($2::timestamptz IS NULL OR ara.expires_at IS NULL OR ara.expires_at > $2)
		ORDER BY r.name`, actorID, asOfParam(asOf)))
}

// ============================================================================
// CATALOG READS
// ============================================================================

func (q queries) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1`, id))
	return role, mapPgError(err)
}

func (q queries) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.name = $1`, name))
	return role, mapPgError(err)
}

func (q queries) GetPermission(ctx context.Context, id int64) (Permission, error) {
	perm, err := scanPermission(q.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions p WHERE p.id = $1`, id))
	return perm, mapPgError(err)
}

func (q queries) GetPermissionByName(ctx context.Context, name PermissionName) (Permission, error) {
	perm, err := scanPermission(q.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions p WHERE p.name = $1`, string(name)))
	return perm, mapPgError(err)
}

func (q queries) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roleColumns+` FROM roles r ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (q queries) ListPermissions(ctx context.Context) ([]Permission, error) {
	return collectPermissions(q.db.Query(ctx, `SELECT `+permissionColumns+` FROM permissions p ORDER BY p.name`))
}

func (q queries) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	return collectPermissions(q.db.Query(ctx, `
		SELECT `+permissionColumns+`
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.name`, roleID))
}

func (q queries) ListAssignments(ctx context.Context, actorID int64, includeRevoked bool) ([]RoleAssignment, error) {
	return collectRoleAssignments(q.db.Query(ctx, `
		SELECT `+assignmentColumns+`, `+roleColumns+`
		FROM actor_role_assignments ara
		JOIN roles r ON r.id = ara.role_id
		WHERE ara.actor_id = $1 AND ($2 OR ara.is_active)
		ORDER BY ara.assigned_at DESC, ara.id DESC`, actorID, includeRevoked))
}

// ============================================================================
// CATALOG MUTATIONS
// ============================================================================

func (q queries) CreateRole(ctx context.Context, role Role) (Role, error) {
	created, err := scanRole(q.db.QueryRow(ctx, `
		INSERT INTO roles AS r (name, display_name, description, is_active, is_system_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING `+roleColumns, role.Name, role.DisplayName, role.Description, role.IsActive, role.IsSystemRole))
	return created, mapPgError(err)
}

func (q queries) UpdateRole(ctx context.Context, role Role) (Role, error) {
	updated, err := scanRole(q.db.QueryRow(ctx, `
		UPDATE roles AS r
		SET name = $2, display_name = $3, description = $4, is_active = $5, updated_at = NOW()
		WHERE r.id = $1
		RETURNING `+roleColumns, role.ID, role.Name, role.DisplayName, role.Description, role.IsActive))
	return updated, mapPgError(err)
}

func (q queries) DeleteRole(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q queries) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	created, err := scanPermission(q.db.QueryRow(ctx, `
		INSERT INTO permissions AS p (name, resource, action, display_name, description, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING `+permissionColumns, string(perm.Name), perm.Resource, perm.Action, perm.DisplayName, perm.Description, perm.IsActive))
	return created, mapPgError(err)
}

func (q queries) SetPermissionActive(ctx context.Context, id int64, active bool) (Permission, error) {
	perm, err := scanPermission(q.db.QueryRow(ctx, `
		UPDATE permissions AS p SET is_active = $2 WHERE p.id = $1
		RETURNING `+permissionColumns, id, active))
	return perm, mapPgError(err)
}

func (q queries) InsertGrant(ctx context.Context, grant RolePermissionGrant) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, granted_at, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (role_id, permission_id) DO NOTHING`, grant.RoleID, grant.PermissionID, grant.GrantedAt, grant.GrantedBy)
	return mapPgError(err)
}

func (q queries) DeleteRoleGrants(ctx context.Context, roleID int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID)
	return err
}

// ============================================================================
// ASSIGNMENTS
// ============================================================================

func (q queries) LockAssignment(ctx context.Context, actorID, roleID int64) (ActorRoleAssignment, error) {
	a, err := scanAssignment(q.db.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM actor_role_assignments ara
		WHERE ara.actor_id = $1 AND ara.role_id = $2
		FOR UPDATE`, actorID, roleID))
	return a, mapPgError(err)
}

func (q queries) InsertAssignment(ctx context.Context, a ActorRoleAssignment) (ActorRoleAssignment, error) {
	created, err := scanAssignment(q.db.QueryRow(ctx, `
		INSERT INTO actor_role_assignments AS ara (actor_id, role_id, assigned_at, assigned_by, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+assignmentColumns, a.ActorID, a.RoleID, a.AssignedAt, a.AssignedBy, a.ExpiresAt, a.IsActive))
	if err = mapPgError(err); errors.Is(err, ErrConflict) {
		return ActorRoleAssignment{}, ErrAlreadyAssigned
	}
	return created, err
}

func (q queries) SaveAssignment(ctx context.Context, a ActorRoleAssignment) (ActorRoleAssignment, error) {
	saved, err := scanAssignment(q.db.QueryRow(ctx, `
		UPDATE actor_role_assignments AS ara
		SET assigned_at = $2, assigned_by = $3, expires_at = $4, is_active = $5
		WHERE ara.id = $1
		RETURNING `+assignmentColumns, a.ID, a.AssignedAt, a.AssignedBy, a.ExpiresAt, a.IsActive))
	return saved, mapPgError(err)
}

func (q queries) DeleteRoleAssignments(ctx context.Context, roleID int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM actor_role_assignments WHERE role_id = $1`, roleID)
	return err
}

func (q queries) DeactivateExpired(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE actor_role_assignments
		SET is_active = FALSE
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1`, asOf)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
