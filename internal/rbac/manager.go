package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// ManagerConfig tunes the assignment manager.
type ManagerConfig struct {
	Timeout       time.Duration
	EnforceExpiry bool
	Clock         func() time.Time
	Logger        *slog.Logger
	Auditor       Auditor
}

// Manager mutates the catalog, the role-permission map and the assignment ledger.
type Manager struct {
	repo          Repository
	actors        ActorDirectory
	auditor       Auditor
	validate      *validator.Validate
	timeout       time.Duration
	enforceExpiry bool
	clock         func() time.Time
	logger        *slog.Logger
}

// NewManager constructs a Manager.
func NewManager(repo Repository, actors ActorDirectory, cfg ManagerConfig) *Manager {
	m := &Manager{
		repo:          repo,
		actors:        actors,
		auditor:       cfg.Auditor,
		validate:      newValidator(),
		timeout:       cfg.Timeout,
		enforceExpiry: cfg.EnforceExpiry,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultQueryTimeout
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("rolename", func(fl validator.FieldLevel) bool {
		return validRoleName(fl.Field().String())
	})
	_ = v.RegisterValidation("permname", func(fl validator.FieldLevel) bool {
		return PermissionName(fl.Field().String()).Valid()
	})
	return v
}

func (m *Manager) check(in any) error {
	if err := m.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}

func (m *Manager) now() time.Time {
	return m.clock().UTC()
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func actorRef(actorID int64) *int64 {
	if actorID <= 0 {
		return nil
	}
	return &actorID
}

func (m *Manager) audit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if m.auditor == nil {
		return
	}
	entry := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
		At:       m.now(),
	}
	if err := m.auditor.Record(ctx, entry); err != nil {
		m.logger.Warn("rbac audit", slog.String("action", action), slog.Any("error", err))
	}
}

func (m *Manager) ensureActor(ctx context.Context, actorID int64) error {
	if m.actors == nil {
		return nil
	}
	ok, err := m.actors.ActorExists(ctx, actorID)
	if err != nil {
		return classify(err)
	}
	if !ok {
		return fmt.Errorf("%w: actor %d", ErrNotFound, actorID)
	}
	return nil
}

// ============================================================================
// CATALOG READS
// ============================================================================

// ListRoles returns all roles ordered by name.
func (m *Manager) ListRoles(ctx context.Context) ([]Role, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	roles, err := m.repo.ListRoles(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return roles, nil
}

// GetRole fetches a role by ID.
func (m *Manager) GetRole(ctx context.Context, id int64) (Role, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	role, err := m.repo.GetRole(ctx, id)
	return role, classify(err)
}

// GetRoleByName fetches a role by its unique name.
func (m *Manager) GetRoleByName(ctx context.Context, name string) (Role, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	role, err := m.repo.GetRoleByName(ctx, strings.TrimSpace(name))
	return role, classify(err)
}

// ListPermissions returns all permissions ordered by name.
func (m *Manager) ListPermissions(ctx context.Context) ([]Permission, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	perms, err := m.repo.ListPermissions(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return perms, nil
}

// ListRolePermissions returns the permissions granted to a role.
func (m *Manager) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if _, err := m.repo.GetRole(ctx, roleID); err != nil {
		return nil, classify(err)
	}
	perms, err := m.repo.ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, classify(err)
	}
	return perms, nil
}

// ListAssignments returns the actor's assignment ledger, newest first.
func (m *Manager) ListAssignments(ctx context.Context, actorID int64, includeRevoked bool) ([]RoleAssignment, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	out, err := m.repo.ListAssignments(ctx, actorID, includeRevoked)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// ============================================================================
// ROLES
// ============================================================================

// CreateRole inserts a new role. A duplicate name fails with ErrConflict.
func (m *Manager) CreateRole(ctx context.Context, in CreateRoleInput, actorID int64) (Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := m.check(in); err != nil {
		return Role{}, err
	}
	role := Role{
		Name:         in.Name,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Description:  strings.TrimSpace(in.Description),
		IsActive:     in.IsActive == nil || *in.IsActive,
		IsSystemRole: in.IsSystemRole,
	}
	if role.DisplayName == "" {
		role.DisplayName = humanize(role.Name)
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var created Role
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := nameFree(tx.GetRoleByName(ctx, role.Name)); err != nil {
			return fmt.Errorf("%w: role %q exists", err, role.Name)
		}
		var err error
		created, err = tx.CreateRole(ctx, role)
		return err
	})
	if err != nil {
		return Role{}, classify(err)
	}
	m.audit(ctx, actorID, "rbac.role.create", "role", created.ID, map[string]any{"name": created.Name})
	return created, nil
}

// UpdateRole applies the non-nil fields of in to the role.
func (m *Manager) UpdateRole(ctx context.Context, id int64, in UpdateRoleInput, actorID int64) (Role, error) {
	if in.Name != nil {
		trimmed := strings.TrimSpace(*in.Name)
		in.Name = &trimmed
	}
	if err := m.check(in); err != nil {
		return Role{}, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var updated Role
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil && *in.Name != role.Name {
			if err := nameFree(tx.GetRoleByName(ctx, *in.Name)); err != nil {
				return fmt.Errorf("%w: role %q exists", err, *in.Name)
			}
			role.Name = *in.Name
		}
		if in.DisplayName != nil {
			role.DisplayName = strings.TrimSpace(*in.DisplayName)
		}
		if in.Description != nil {
			role.Description = strings.TrimSpace(*in.Description)
		}
		if in.IsActive != nil {
			role.IsActive = *in.IsActive
		}
		updated, err = tx.UpdateRole(ctx, role)
		return err
	})
	if err != nil {
		return Role{}, classify(err)
	}
	m.audit(ctx, actorID, "rbac.role.update", "role", updated.ID, map[string]any{"name": updated.Name, "is_active": updated.IsActive})
	return updated, nil
}

// SetRoleActive toggles a role without touching its grants or assignments.
func (m *Manager) SetRoleActive(ctx context.Context, id int64, active bool, actorID int64) (Role, error) {
	return m.UpdateRole(ctx, id, UpdateRoleInput{IsActive: &active}, actorID)
}

// DeleteRole removes a role together with its grants and assignment rows.
func (m *Manager) DeleteRole(ctx context.Context, id int64, actorID int64) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var name string
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		name = role.Name
		if err := tx.DeleteRoleGrants(ctx, id); err != nil {
			return err
		}
		if err := tx.DeleteRoleAssignments(ctx, id); err != nil {
			return err
		}
		return tx.DeleteRole(ctx, id)
	})
	if err != nil {
		return classify(err)
	}
	m.audit(ctx, actorID, "rbac.role.delete", "role", id, map[string]any{"name": name})
	return nil
}

// ============================================================================
// PERMISSIONS
// ============================================================================

// CreatePermission inserts a permission and grants it to super_admin when that
// role exists.
func (m *Manager) CreatePermission(ctx context.Context, in CreatePermissionInput, actorID int64) (Permission, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := m.check(in); err != nil {
		return Permission{}, err
	}
	name := PermissionName(in.Name)
	perm := Permission{
		Name:        name,
		Resource:    name.Resource(),
		Action:      name.Action(),
		DisplayName: strings.TrimSpace(in.DisplayName),
		Description: strings.TrimSpace(in.Description),
		IsActive:    in.IsActive == nil || *in.IsActive,
	}
	if perm.DisplayName == "" {
		perm.DisplayName = humanize(in.Name)
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var created Permission
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := nameFree(tx.GetPermissionByName(ctx, name)); err != nil {
			return fmt.Errorf("%w: permission %q exists", err, name)
		}
		var err error
		if created, err = tx.CreatePermission(ctx, perm); err != nil {
			return err
		}
		super, err := tx.GetRoleByName(ctx, RoleSuperAdmin)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.InsertGrant(ctx, RolePermissionGrant{RoleID: super.ID, PermissionID: created.ID, GrantedAt: m.now(), GrantedBy: actorRef(actorID)})
	})
	if err != nil {
		return Permission{}, classify(err)
	}
	m.audit(ctx, actorID, "rbac.permission.create", "permission", created.ID, map[string]any{"name": string(created.Name)})
	return created, nil
}

// SetPermissionActive toggles a permission. An inactive permission grants nothing.
func (m *Manager) SetPermissionActive(ctx context.Context, id int64, active bool, actorID int64) (Permission, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var perm Permission
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		perm, err = tx.SetPermissionActive(ctx, id, active)
		return err
	})
	if err != nil {
		return Permission{}, classify(err)
	}
	m.audit(ctx, actorID, "rbac.permission.update", "permission", id, map[string]any{"is_active": active})
	return perm, nil
}

// ============================================================================
// GRANTS
// ============================================================================

// SetRolePermissions replaces the full grant set of a role in one transaction.
func (m *Manager) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64, grantedBy int64) error {
	ids := uniqueIDs(permissionIDs)
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			return fmt.Errorf("%w: role %d", err, roleID)
		}
		for _, id := range ids {
			if _, err := tx.GetPermission(ctx, id); err != nil {
				return fmt.Errorf("%w: permission %d", err, id)
			}
		}
		if err := tx.DeleteRoleGrants(ctx, roleID); err != nil {
			return err
		}
		now := m.now()
		for _, id := range ids {
			if err := tx.InsertGrant(ctx, RolePermissionGrant{RoleID: roleID, PermissionID: id, GrantedAt: now, GrantedBy: actorRef(grantedBy)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}
	m.audit(ctx, grantedBy, "rbac.role.permissions", "role", roleID, map[string]any{"permission_ids": ids})
	return nil
}

// SyncSuperAdminGrants grants every permission to super_admin. It returns the
// number of permissions the role now holds.
func (m *Manager) SyncSuperAdminGrants(ctx context.Context, grantedBy int64) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var count int
	var roleID int64
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		super, err := tx.GetRoleByName(ctx, RoleSuperAdmin)
		if err != nil {
			return fmt.Errorf("%w: role %s", err, RoleSuperAdmin)
		}
		roleID = super.ID
		perms, err := tx.ListPermissions(ctx)
		if err != nil {
			return err
		}
		now := m.now()
		for _, p := range perms {
			if err := tx.InsertGrant(ctx, RolePermissionGrant{RoleID: super.ID, PermissionID: p.ID, GrantedAt: now, GrantedBy: actorRef(grantedBy)}); err != nil {
				return err
			}
		}
		count = len(perms)
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	m.audit(ctx, grantedBy, "rbac.role.sync_super_admin", "role", roleID, map[string]any{"permissions": count})
	return count, nil
}

// ============================================================================
// ASSIGNMENTS
// ============================================================================

// AssignRole activates role for an actor. A missing row is inserted, a revoked
// row is reactivated with refreshed metadata, and an active row fails with
// ErrAlreadyAssigned.
func (m *Manager) AssignRole(ctx context.Context, in AssignRoleInput) (ActorRoleAssignment, error) {
	if err := m.check(in); err != nil {
		return ActorRoleAssignment{}, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.ensureActor(ctx, in.ActorID); err != nil {
		return ActorRoleAssignment{}, err
	}
	now := m.now()
	var saved ActorRoleAssignment
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetRole(ctx, in.RoleID); err != nil {
			return fmt.Errorf("%w: role %d", err, in.RoleID)
		}
		existing, err := tx.LockAssignment(ctx, in.ActorID, in.RoleID)
		if errors.Is(err, ErrNotFound) {
			saved, err = tx.InsertAssignment(ctx, ActorRoleAssignment{
				ActorID:    in.ActorID,
				RoleID:     in.RoleID,
				AssignedAt: now,
				AssignedBy: in.AssignedBy,
				ExpiresAt:  in.ExpiresAt,
				IsActive:   true,
			})
			return err
		}
		if err != nil {
			return err
		}
		if m.enforceExpiry && existing.Expired(now) {
			existing.revoke()
		}
		if err := existing.activate(in.AssignedBy, now, in.ExpiresAt); err != nil {
			return err
		}
		saved, err = tx.SaveAssignment(ctx, existing)
		return err
	})
	if err != nil {
		return ActorRoleAssignment{}, classify(err)
	}
	var by int64
	if in.AssignedBy != nil {
		by = *in.AssignedBy
	}
	m.audit(ctx, by, "rbac.assignment.assign", "actor_role_assignment", saved.ID, map[string]any{"actor_id": in.ActorID, "role_id": in.RoleID})
	return saved, nil
}

// RevokeRole deactivates the actor's assignment. Revoking an absent or already
// revoked assignment succeeds.
func (m *Manager) RevokeRole(ctx context.Context, actorID, roleID int64, revokedBy int64) error {
	if actorID <= 0 || roleID <= 0 {
		return fmt.Errorf("%w: actor and role required", ErrValidation)
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.ensureActor(ctx, actorID); err != nil {
		return err
	}
	var revokedID int64
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			return fmt.Errorf("%w: role %d", err, roleID)
		}
		existing, err := tx.LockAssignment(ctx, actorID, roleID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !existing.revoke() {
			return nil
		}
		revokedID = existing.ID
		_, err = tx.SaveAssignment(ctx, existing)
		return err
	})
	if err != nil {
		return classify(err)
	}
	if revokedID != 0 {
		m.audit(ctx, revokedBy, "rbac.assignment.revoke", "actor_role_assignment", revokedID, map[string]any{"actor_id": actorID, "role_id": roleID})
	}
	return nil
}

// ExpireAssignments persists expiry by revoking active assignments whose
// expiry has passed. It returns the number of rows revoked and does nothing
// when expiry is not enforced.
func (m *Manager) ExpireAssignments(ctx context.Context) (int64, error) {
	if !m.enforceExpiry {
		m.logger.Debug("rbac expiry sweep skipped, expiry not enforced")
		return 0, nil
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	asOf := m.now()
	var n int64
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		n, err = tx.DeactivateExpired(ctx, asOf)
		return err
	})
	if err != nil {
		return 0, classify(err)
	}
	if n > 0 {
		m.logger.Info("rbac expired assignments revoked", slog.Int64("count", n))
		m.audit(ctx, 0, "rbac.assignment.expire", "actor_role_assignment", 0, map[string]any{"count": n, "as_of": asOf})
	}
	return n, nil
}

// ============================================================================
// SEEDING
// ============================================================================

// SeedReport summarises what Seed created.
type SeedReport struct {
	PermissionsCreated int
	RolesCreated       int
	GrantsEnsured      int
}

// Seed installs a catalog idempotently: missing permissions and roles are
// created and catalog grants are added. Existing grants are never removed.
func (m *Manager) Seed(ctx context.Context, c Catalog, seededBy int64) (SeedReport, error) {
	if err := c.Validate(); err != nil {
		return SeedReport{}, err
	}
	var report SeedReport
	now := m.now()
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ids := make(map[PermissionName]int64, len(c.Permissions))
		for _, cp := range c.Permissions {
			perm, err := tx.GetPermissionByName(ctx, cp.Name)
			if errors.Is(err, ErrNotFound) {
				display := cp.DisplayName
				if display == "" {
					display = humanize(string(cp.Name))
				}
				perm, err = tx.CreatePermission(ctx, Permission{
					Name:        cp.Name,
					Resource:    cp.Name.Resource(),
					Action:      cp.Name.Action(),
					DisplayName: display,
					Description: cp.Description,
					IsActive:    true,
				})
				report.PermissionsCreated++
			}
			if err != nil {
				return fmt.Errorf("seed permission %s: %w", cp.Name, err)
			}
			ids[cp.Name] = perm.ID
		}
		for _, cr := range c.Roles {
			role, err := tx.GetRoleByName(ctx, cr.Name)
			if errors.Is(err, ErrNotFound) {
				display := cr.DisplayName
				if display == "" {
					display = humanize(cr.Name)
				}
				role, err = tx.CreateRole(ctx, Role{
					Name:         cr.Name,
					DisplayName:  display,
					Description:  cr.Description,
					IsActive:     true,
					IsSystemRole: cr.System,
				})
				report.RolesCreated++
			}
			if err != nil {
				return fmt.Errorf("seed role %s: %w", cr.Name, err)
			}
			for _, name := range c.Grants(cr) {
				grant := RolePermissionGrant{RoleID: role.ID, PermissionID: ids[name], GrantedAt: now, GrantedBy: actorRef(seededBy)}
				if err := tx.InsertGrant(ctx, grant); err != nil {
					return fmt.Errorf("seed grant %s/%s: %w", cr.Name, name, err)
				}
				report.GrantsEnsured++
			}
		}
		return nil
	})
	if err != nil {
		return SeedReport{}, classify(err)
	}
	m.audit(ctx, seededBy, "rbac.catalog.seed", "catalog", 0, map[string]any{
		"permissions_created": report.PermissionsCreated,
		"roles_created":       report.RolesCreated,
		"grants_ensured":      report.GrantsEnsured,
	})
	return report, nil
}

// nameFree converts a by-name lookup into nil when the name is unused.
func nameFree[T any](_ T, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	default:
		return ErrConflict
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
