package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
)

type dbtx interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// queries runs statements against either the database or a transaction.
type queries struct {
	db dbtx
}

var _ rbac.TxRepository = queries{}

// ---------------------------------------------------------------------------
// Rows
// ---------------------------------------------------------------------------

type roleRow struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	DisplayName  string `db:"display_name"`
	Description  string `db:"description"`
	IsActive     bool   `db:"is_active"`
	IsSystemRole bool   `db:"is_system_role"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (r roleRow) toModel() rbac.Role {
	return rbac.Role{
		ID:           r.ID,
		Name:         r.Name,
		DisplayName:  r.DisplayName,
		Description:  r.Description,
		IsActive:     r.IsActive,
		IsSystemRole: r.IsSystemRole,
		CreatedAt:    fromMicros(r.CreatedAt),
		UpdatedAt:    fromMicros(r.UpdatedAt),
	}
}

type permissionRow struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Resource    string `db:"resource"`
	Action      string `db:"action"`
	DisplayName string `db:"display_name"`
	Description string `db:"description"`
	IsActive    bool   `db:"is_active"`
	CreatedAt   int64  `db:"created_at"`
}

func (r permissionRow) toModel() rbac.Permission {
	return rbac.Permission{
		ID:          r.ID,
		Name:        rbac.PermissionName(r.Name),
		Resource:    r.Resource,
		Action:      r.Action,
		DisplayName: r.DisplayName,
		Description: r.Description,
		IsActive:    r.IsActive,
		CreatedAt:   fromMicros(r.CreatedAt),
	}
}

type assignmentRow struct {
	ID         int64         `db:"id"`
	ActorID    int64         `db:"actor_id"`
	RoleID     int64         `db:"role_id"`
	AssignedAt int64         `db:"assigned_at"`
	AssignedBy sql.NullInt64 `db:"assigned_by"`
	ExpiresAt  sql.NullInt64 `db:"expires_at"`
	IsActive   bool          `db:"is_active"`
}

func (r assignmentRow) toModel() rbac.ActorRoleAssignment {
	return rbac.ActorRoleAssignment{
		ID:         r.ID,
		ActorID:    r.ActorID,
		RoleID:     r.RoleID,
		AssignedAt: fromMicros(r.AssignedAt),
		AssignedBy: intPtr(r.AssignedBy),
		ExpiresAt:  nullTime(r.ExpiresAt),
		IsActive:   r.IsActive,
	}
}

type roleAssignmentRow struct {
	Assignment assignmentRow `db:"a"`
	Role       roleRow       `db:"r"`
}

func toPermissions(rows []permissionRow) []rbac.Permission {
	out := make([]rbac.Permission, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}

func toRoleAssignments(rows []roleAssignmentRow) []rbac.RoleAssignment {
	out := make([]rbac.RoleAssignment, len(rows))
	for i, r := range rows {
		out[i] = rbac.RoleAssignment{Assignment: r.Assignment.toModel(), Role: r.Role.toModel()}
	}
	return out
}

const (
	roleColumns       = `r.id, r.name, r.display_name, r.description, r.is_active, r.is_system_role, r.created_at, r.updated_at`
	permissionColumns = `p.id, p.name, p.resource, p.action, p.display_name, p.description, p.is_active, p.created_at`

	roleAssignmentColumns = `ara.id AS "a.id", ara.actor_id AS "a.actor_id", ara.role_id AS "a.role_id",
		ara.assigned_at AS "a.assigned_at", ara.assigned_by AS "a.assigned_by", ara.expires_at AS "a.expires_at",
		ara.is_active AS "a.is_active",
		r.id AS "r.id", r.name AS "r.name", r.display_name AS "r.display_name", r.description AS "r.description",
		r.is_active AS "r.is_active", r.is_system_role AS "r.is_system_role",
		r.created_at AS "r.created_at", r.updated_at AS "r.updated_at"`

	// liveAssignments filters an actor's assignments down to active rows on
	// active roles. Params: actor id, asOf (0 disables expiry), asOf.
	liveAssignments = `
		FROM actor_role_assignments ara
		JOIN roles r ON r.id = ara.role_id AND r.is_active = 1
		WHERE ara.actor_id = ? AND ara.is_active = 1
		  AND (? = 0 OR ara.expires_at IS NULL OR ara.expires_at > ?)`

	activeChain = `
		FROM actor_role_assignments ara
		JOIN roles r ON r.id = ara.role_id AND r.is_active = 1
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id AND p.is_active = 1
		WHERE ara.actor_id = ? AND ara.is_active = 1
		  AND (? = 0 OR ara.expires_at IS NULL OR ara.expires_at > ?)`
)

// ---------------------------------------------------------------------------
// Resolver
// ---------------------------------------------------------------------------

func (q queries) HasAnyPermission(ctx context.Context, actorID int64, names []rbac.PermissionName, asOf time.Time) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}
	raw := make([]string, len(names))
	for i, n := range names {
		raw[i] = string(n)
	}
	at := toMicros(asOf)
	query, args, err := sqlx.In(`SELECT EXISTS (SELECT 1 `+activeChain+` AND p.name IN (?))`, actorID, at, at, raw)
	if err != nil {
		return false, fmt.Errorf("has any permission: %w", err)
	}
	var ok bool
	if err := q.db.GetContext(ctx, &ok, q.db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("has any permission: %w", err)
	}
	return ok, nil
}

func (q queries) HasRole(ctx context.Context, actorID int64, role string, asOf time.Time) (bool, error) {
	at := toMicros(asOf)
	var ok bool
	if err := q.db.GetContext(ctx, &ok, `SELECT EXISTS (SELECT 1 `+liveAssignments+` AND r.name = ?)`, actorID, at, at, role); err != nil {
		return false, fmt.Errorf("has role: %w", err)
	}
	return ok, nil
}

func (q queries) ListActorPermissions(ctx context.Context, actorID int64, asOf time.Time) ([]rbac.Permission, error) {
	at := toMicros(asOf)
	var rows []permissionRow
	if err := q.db.SelectContext(ctx, &rows, `SELECT DISTINCT `+permissionColumns+activeChain+` ORDER BY p.name`, actorID, at, at); err != nil {
		return nil, fmt.Errorf("list actor permissions: %w", err)
	}
	return toPermissions(rows), nil
}

func (q queries) ListActorRoles(ctx context.Context, actorID int64, asOf time.Time) ([]rbac.RoleAssignment, error) {
	at := toMicros(asOf)
	var rows []roleAssignmentRow
	if err := q.db.SelectContext(ctx, &rows, `SELECT `+roleAssignmentColumns+liveAssignments+` ORDER BY r.name`, actorID, at, at); err != nil {
		return nil, fmt.Errorf("list actor roles: %w", err)
	}
	return toRoleAssignments(rows), nil
}

// ---------------------------------------------------------------------------
// Catalog reads
// ---------------------------------------------------------------------------

func (q queries) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	var row roleRow
	if err := q.db.GetContext(ctx, &row, `SELECT `+roleColumns+` FROM roles r WHERE r.id = ?`, id); err != nil {
		return rbac.Role{}, mapError(err)
	}
	return row.toModel(), nil
}

func (q queries) GetRoleByName(ctx context.Context, name string) (rbac.Role, error) {
	var row roleRow
	if err := q.db.GetContext(ctx, &row, `SELECT `+roleColumns+` FROM roles r WHERE r.name = ?`, name); err != nil {
		return rbac.Role{}, mapError(err)
	}
	return row.toModel(), nil
}

func (q queries) GetPermission(ctx context.Context, id int64) (rbac.Permission, error) {
	var row permissionRow
	if err := q.db.GetContext(ctx, &row, `SELECT `+permissionColumns+` FROM permissions p WHERE p.id = ?`, id); err != nil {
		return rbac.Permission{}, mapError(err)
	}
	return row.toModel(), nil
}

func (q queries) GetPermissionByName(ctx context.Context, name rbac.PermissionName) (rbac.Permission, error) {
	var row permissionRow
	if err := q.db.GetContext(ctx, &row, `SELECT `+permissionColumns+` FROM permissions p WHERE p.name = ?`, string(name)); err != nil {
		return rbac.Permission{}, mapError(err)
	}
	return row.toModel(), nil
}

func (q queries) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	var rows []roleRow
	if err := q.db.SelectContext(ctx, &rows, `SELECT `+roleColumns+` FROM roles r ORDER BY r.name`); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	out := make([]rbac.Role, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (q queries) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	var rows []permissionRow
	if err := q.db.SelectContext(ctx, &rows, `SELECT `+permissionColumns+` FROM permissions p ORDER BY p.name`); err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return toPermissions(rows), nil
}

func (q queries) ListRolePermissions(ctx context.Context, roleID int64) ([]rbac.Permission, error) {
	var rows []permissionRow
	err := q.db.SelectContext(ctx, &rows, `SELECT `+permissionColumns+`
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ?
		ORDER BY p.name`, roleID)
	if err != nil {
		return nil, fmt.Errorf("list role permissions: %w", err)
	}
	return toPermissions(rows), nil
}

func (q queries) ListAssignments(ctx context.Context, actorID int64, includeRevoked bool) ([]rbac.RoleAssignment, error) {
	var rows []roleAssignmentRow
	err := q.db.SelectContext(ctx, &rows, `SELECT `+roleAssignmentColumns+`
		FROM actor_role_assignments ara
		JOIN roles r ON r.id = ara.role_id
		WHERE ara.actor_id = ? AND (ara.is_active = 1 OR ?)
		ORDER BY ara.assigned_at DESC, ara.id DESC`, actorID, includeRevoked)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return toRoleAssignments(rows), nil
}

// ---------------------------------------------------------------------------
// Catalog writes
// ---------------------------------------------------------------------------

func (q queries) CreateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	now := toMicros(time.Now())
	res, err := q.db.ExecContext(ctx, `INSERT INTO roles (name, display_name, description, is_active, is_system_role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, role.Name, role.DisplayName, role.Description, role.IsActive, role.IsSystemRole, now, now)
	if err != nil {
		return rbac.Role{}, mapError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return rbac.Role{}, fmt.Errorf("role id: %w", err)
	}
	return q.GetRole(ctx, id)
}

func (q queries) UpdateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE roles SET name = ?, display_name = ?, description = ?, is_active = ?, updated_at = ?
		WHERE id = ?`, role.Name, role.DisplayName, role.Description, role.IsActive, toMicros(time.Now()), role.ID)
	if err != nil {
		return rbac.Role{}, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return q.GetRole(ctx, role.ID)
}

func (q queries) DeleteRole(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (q queries) CreatePermission(ctx context.Context, perm rbac.Permission) (rbac.Permission, error) {
	res, err := q.db.ExecContext(ctx, `INSERT INTO permissions (name, resource, action, display_name, description, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, string(perm.Name), perm.Resource, perm.Action, perm.DisplayName, perm.Description, perm.IsActive, toMicros(time.Now()))
	if err != nil {
		return rbac.Permission{}, mapError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return rbac.Permission{}, fmt.Errorf("permission id: %w", err)
	}
	return q.GetPermission(ctx, id)
}

func (q queries) SetPermissionActive(ctx context.Context, id int64, active bool) (rbac.Permission, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE permissions SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return rbac.Permission{}, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return q.GetPermission(ctx, id)
}

// ---------------------------------------------------------------------------
// Grants
// ---------------------------------------------------------------------------

func (q queries) InsertGrant(ctx context.Context, grant rbac.RolePermissionGrant) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO role_permissions (role_id, permission_id, granted_at, granted_by)
		VALUES (?, ?, ?, ?) ON CONFLICT (role_id, permission_id) DO NOTHING`,
		grant.RoleID, grant.PermissionID, toMicros(grant.GrantedAt), nullInt(grant.GrantedBy))
	return mapError(err)
}

func (q queries) DeleteRoleGrants(ctx context.Context, roleID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = ?`, roleID)
	return mapError(err)
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

const assignmentColumns = `id, actor_id, role_id, assigned_at, assigned_by, expires_at, is_active`

// LockAssignment reads the row. The single-connection pool serialises
// transactions, so no explicit row lock is needed.
func (q queries) LockAssignment(ctx context.Context, actorID, roleID int64) (rbac.ActorRoleAssignment, error) {
	var row assignmentRow
	if err := q.db.GetContext(ctx, &row, `SELECT `+assignmentColumns+` FROM actor_role_assignments WHERE actor_id = ? AND role_id = ?`, actorID, roleID); err != nil {
		return rbac.ActorRoleAssignment{}, mapError(err)
	}
	return row.toModel(), nil
}

func (q queries) InsertAssignment(ctx context.Context, a rbac.ActorRoleAssignment) (rbac.ActorRoleAssignment, error) {
	res, err := q.db.ExecContext(ctx, `INSERT INTO actor_role_assignments (actor_id, role_id, assigned_at, assigned_by, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`, a.ActorID, a.RoleID, toMicros(a.AssignedAt), nullInt(a.AssignedBy), nullMicros(a.ExpiresAt), a.IsActive)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, rbac.ErrConflict) {
			return rbac.ActorRoleAssignment{}, rbac.ErrAlreadyAssigned
		}
		return rbac.ActorRoleAssignment{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return rbac.ActorRoleAssignment{}, fmt.Errorf("assignment id: %w", err)
	}
	a.ID = id
	return a, nil
}

func (q queries) SaveAssignment(ctx context.Context, a rbac.ActorRoleAssignment) (rbac.ActorRoleAssignment, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE actor_role_assignments
		SET assigned_at = ?, assigned_by = ?, expires_at = ?, is_active = ?
		WHERE id = ?`, toMicros(a.AssignedAt), nullInt(a.AssignedBy), nullMicros(a.ExpiresAt), a.IsActive, a.ID)
	if err != nil {
		return rbac.ActorRoleAssignment{}, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rbac.ActorRoleAssignment{}, rbac.ErrNotFound
	}
	return a, nil
}

func (q queries) DeleteRoleAssignments(ctx context.Context, roleID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM actor_role_assignments WHERE role_id = ?`, roleID)
	return mapError(err)
}

func (q queries) DeactivateExpired(ctx context.Context, asOf time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE actor_role_assignments SET is_active = 0
		WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?`, toMicros(asOf))
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
