package rbac

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

type mockAuditor struct {
	mu      sync.Mutex
	entries []shared.AuditLog
	err     error
}

func (a *mockAuditor) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, log)
	return nil
}

func (a *mockAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

// ============================================================================
// ASSIGNMENTS
// ============================================================================

func TestManager_RevokeIsImmediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	role, err := f.manager.CreateRole(ctx, CreateRoleInput{Name: "onboarding"}, 1)
	require.NoError(t, err)
	require.NoError(t, f.manager.SetRolePermissions(ctx, role.ID, []int64{
		f.permission(t, PermUsersView).ID,
		f.permission(t, PermUsersCreate).ID,
	}, 1))

	f.assign(t, 43, "onboarding")
	require.True(t, f.engine.HasPermission(ctx, 43, PermUsersCreate))

	require.NoError(t, f.manager.RevokeRole(ctx, 43, role.ID, 1))

	assert.False(t, f.engine.HasPermission(ctx, 43, PermUsersView))
	assert.False(t, f.engine.HasPermission(ctx, 43, PermUsersCreate))
	assert.False(t, f.engine.HasRole(ctx, 43, "onboarding"))

	rows := f.repo.assignmentRows(43, role.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, AssignmentRevoked, rows[0].State())
}

func TestManager_ReassignReactivatesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)

	first := f.assign(t, 7, RoleSupportAgent)
	require.NoError(t, f.manager.RevokeRole(ctx, 7, role.ID, 1))

	f.clock.Advance(24 * time.Hour)
	by := int64(1)
	second, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: role.ID, AssignedBy: &by})
	require.NoError(t, err)

	rows := f.repo.assignmentRows(7, role.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, rows[0].IsActive)
	assert.Equal(t, f.clock.Now().UTC(), rows[0].AssignedAt)
	assert.True(t, rows[0].AssignedAt.After(first.AssignedAt))
	require.NotNil(t, rows[0].AssignedBy)
	assert.Equal(t, int64(1), *rows[0].AssignedBy)
}

func TestManager_AssignRoleRejectsActiveDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)
	f.assign(t, 7, RoleSupportAgent)

	_, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: role.ID})
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Len(t, f.repo.assignmentRows(7, role.ID), 1)
}

func TestManager_AssignRoleInsertConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)
	f.assign(t, 7, RoleSupportAgent)
	f.repo.state.staleLocks = true

	_, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: role.ID})
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.Len(t, f.repo.assignmentRows(7, role.ID), 1)
}

func TestManager_ConcurrentAssignRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dups int
		others   []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 42, RoleID: role.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyAssigned):
				dups++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, dups)
	assert.Len(t, f.repo.assignmentRows(42, role.ID), 1)
}

func TestManager_AssignRoleFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)

	tests := []struct {
		name    string
		input   AssignRoleInput
		wantErr error
	}{
		{name: "missing actor id", input: AssignRoleInput{RoleID: role.ID}, wantErr: ErrValidation},
		{name: "missing role id", input: AssignRoleInput{ActorID: 7}, wantErr: ErrValidation},
		{name: "unknown actor", input: AssignRoleInput{ActorID: 500, RoleID: role.ID}, wantErr: ErrNotFound},
		{name: "unknown role", input: AssignRoleInput{ActorID: 7, RoleID: 9999}, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.AssignRole(ctx, tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestManager_AssignRoleOverExpiredRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleBillingClerk)
	expires := f.clock.Now().Add(time.Minute)

	_, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: role.ID, ExpiresAt: &expires})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	again, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: role.ID})
	require.NoError(t, err)
	assert.Nil(t, again.ExpiresAt)
	assert.True(t, f.engine.HasPermission(ctx, 7, PermBillingManage))
	assert.Len(t, f.repo.assignmentRows(7, role.ID), 1)
}

func TestManager_RevokeRoleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)

	require.NoError(t, f.manager.RevokeRole(ctx, 7, role.ID, 1))
	assert.Empty(t, f.repo.assignmentRows(7, role.ID))

	f.assign(t, 7, RoleSupportAgent)
	require.NoError(t, f.manager.RevokeRole(ctx, 7, role.ID, 1))
	require.NoError(t, f.manager.RevokeRole(ctx, 7, role.ID, 1))

	revokes := 0
	for _, a := range f.auditor.actions() {
		if a == "rbac.assignment.revoke" {
			revokes++
		}
	}
	assert.Equal(t, 1, revokes)

	assert.ErrorIs(t, f.manager.RevokeRole(ctx, 7, 9999, 1), ErrNotFound)
	assert.ErrorIs(t, f.manager.RevokeRole(ctx, 500, role.ID, 1), ErrNotFound)
	assert.ErrorIs(t, f.manager.RevokeRole(ctx, 0, role.ID, 1), ErrValidation)
}

func TestManager_ListAssignmentsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.assign(t, 7, RoleSupportAgent)
	f.clock.Advance(time.Minute)
	f.assign(t, 7, RoleBillingClerk)
	require.NoError(t, f.manager.RevokeRole(ctx, 7, f.role(t, RoleSupportAgent).ID, 1))

	active, err := f.manager.ListAssignments(ctx, 7, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, RoleBillingClerk, active[0].Role.Name)

	all, err := f.manager.ListAssignments(ctx, 7, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, RoleBillingClerk, all[0].Role.Name)
	assert.Equal(t, AssignmentRevoked, all[1].Assignment.State())
}

func TestManager_ExpireAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expires := f.clock.Now().Add(time.Minute)
	_, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: f.role(t, RoleSupportAgent).ID, ExpiresAt: &expires})
	require.NoError(t, err)
	f.assign(t, 42, RoleStandardAdmin)

	n, err := f.manager.ExpireAssignments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour)
	n, err = f.manager.ExpireAssignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows := f.repo.assignmentRows(7, f.role(t, RoleSupportAgent).ID)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].IsActive)
	assert.True(t, f.engine.HasRole(ctx, 42, RoleStandardAdmin))
}

func TestManager_ExpireAssignmentsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expires := f.clock.Now().Add(time.Minute)
	_, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: f.role(t, RoleSupportAgent).ID, ExpiresAt: &expires})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	n, err := f.manager.ExpireAssignments(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	f.auditor.mu.Lock()
	last := f.auditor.entries[len(f.auditor.entries)-1]
	f.auditor.mu.Unlock()
	assert.Equal(t, "rbac.assignment.expire", last.Action)
	assert.Equal(t, int64(0), last.ActorID)
	assert.Equal(t, int64(1), last.Meta["count"])
}

func TestManager_ExpireAssignmentsSkippedWithoutEnforcement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)
	expires := f.clock.Now().Add(time.Minute)
	_, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: role.ID, ExpiresAt: &expires})
	require.NoError(t, err)

	legacy := NewManager(f.repo, f.actors, ManagerConfig{EnforceExpiry: false, Clock: f.clock.Now, Logger: discardLogger(), Auditor: f.auditor})
	f.clock.Advance(time.Hour)
	n, err := legacy.ExpireAssignments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rows := f.repo.assignmentRows(7, role.ID)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsActive)
	assert.NotContains(t, f.auditor.actions(), "rbac.assignment.expire")
}

func TestManager_SeedAudited(t *testing.T) {
	f := newFixture(t)

	assert.Contains(t, f.auditor.actions(), "rbac.catalog.seed")
	f.auditor.mu.Lock()
	first := f.auditor.entries[0]
	f.auditor.mu.Unlock()
	assert.Equal(t, "catalog", first.Entity)
	assert.Positive(t, first.Meta["roles_created"])
}

// ============================================================================
// GRANTS
// ============================================================================

func TestManager_SetRolePermissionsReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.assign(t, 42, RoleStandardAdmin)
	role := f.role(t, RoleStandardAdmin)
	chat := f.permission(t, PermAdminChat).ID

	require.NoError(t, f.manager.SetRolePermissions(ctx, role.ID, []int64{chat, chat}, 1))

	assert.Equal(t, 1, f.repo.grantCount(role.ID))
	assert.True(t, f.engine.HasPermission(ctx, 42, PermAdminChat))
	assert.False(t, f.engine.HasPermission(ctx, 42, PermUsersView))

	require.NoError(t, f.manager.SetRolePermissions(ctx, role.ID, nil, 1))
	assert.Zero(t, f.repo.grantCount(role.ID))
	assert.False(t, f.engine.HasPermission(ctx, 42, PermAdminChat))
}

func TestManager_SetRolePermissionsIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleStandardAdmin)

	err := f.manager.SetRolePermissions(ctx, role.ID, []int64{f.permission(t, PermAdminChat).ID, 9999}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 8, f.repo.grantCount(role.ID))

	err = f.manager.SetRolePermissions(ctx, 9999, []int64{f.permission(t, PermAdminChat).ID}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================================
// CATALOG
// ============================================================================

func TestManager_CreateRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	role, err := f.manager.CreateRole(ctx, CreateRoleInput{Name: "  sales_rep "}, 1)
	require.NoError(t, err)
	assert.Equal(t, "sales_rep", role.Name)
	assert.Equal(t, "Sales Rep", role.DisplayName)
	assert.True(t, role.IsActive)

	inactive := false
	dormant, err := f.manager.CreateRole(ctx, CreateRoleInput{Name: "dormant", IsActive: &inactive}, 1)
	require.NoError(t, err)
	assert.False(t, dormant.IsActive)

	_, err = f.manager.CreateRole(ctx, CreateRoleInput{Name: "sales_rep"}, 1)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.manager.CreateRole(ctx, CreateRoleInput{Name: "Sales Rep"}, 1)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.manager.CreateRole(ctx, CreateRoleInput{Name: ""}, 1)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Contains(t, f.auditor.actions(), "rbac.role.create")
}

func TestManager_UpdateRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)

	name := "support_lead"
	display := "Support Lead"
	updated, err := f.manager.UpdateRole(ctx, role.ID, UpdateRoleInput{Name: &name, DisplayName: &display}, 1)
	require.NoError(t, err)
	assert.Equal(t, "support_lead", updated.Name)
	assert.Equal(t, "Support Lead", updated.DisplayName)

	taken := RoleBillingClerk
	_, err = f.manager.UpdateRole(ctx, role.ID, UpdateRoleInput{Name: &taken}, 1)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.manager.UpdateRole(ctx, 9999, UpdateRoleInput{DisplayName: &display}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_DeleteRoleCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)
	f.assign(t, 7, RoleSupportAgent)

	require.NoError(t, f.manager.DeleteRole(ctx, role.ID, 1))

	_, err := f.manager.GetRole(ctx, role.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.repo.grantCount(role.ID))
	assert.Empty(t, f.repo.assignmentRows(7, role.ID))
	assert.False(t, f.engine.HasPermission(ctx, 7, PermAdminChat))

	assert.ErrorIs(t, f.manager.DeleteRole(ctx, role.ID, 1), ErrNotFound)
}

func TestManager_CreatePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.assign(t, 1, RoleSuperAdmin)

	perm, err := f.manager.CreatePermission(ctx, CreatePermissionInput{Name: "reports:export"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "reports", perm.Resource)
	assert.Equal(t, "export", perm.Action)
	assert.Equal(t, "Reports Export", perm.DisplayName)
	assert.True(t, perm.IsActive)
	assert.True(t, f.engine.HasPermission(ctx, 1, "reports:export"))

	_, err = f.manager.CreatePermission(ctx, CreatePermissionInput{Name: "reports:export"}, 1)
	assert.ErrorIs(t, err, ErrConflict)

	for _, bad := range []string{"admin.chat", "Admin:Chat", "admin:", ":chat", "admin:chat:extra"} {
		_, err := f.manager.CreatePermission(ctx, CreatePermissionInput{Name: bad}, 1)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestManager_SetPermissionActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	perm := f.permission(t, PermAdminOrders)

	updated, err := f.manager.SetPermissionActive(ctx, perm.ID, false, 1)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	_, err = f.manager.SetPermissionActive(ctx, 9999, true, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SeedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.manager.Seed(ctx, DefaultCatalog(), 0)
	require.NoError(t, err)
	assert.Zero(t, report.PermissionsCreated)
	assert.Zero(t, report.RolesCreated)

	roles, err := f.manager.ListRoles(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, 4)

	perms, err := f.manager.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, perms, len(AllPermissions()))

	super, err := f.manager.ListRolePermissions(ctx, f.role(t, RoleSuperAdmin).ID)
	require.NoError(t, err)
	assert.Len(t, super, len(AllPermissions()))
}

func TestManager_SeedFromYAML(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := `
permissions:
  - name: reports:export
  - name: reports:view
roles:
  - name: analyst
    permissions: ["reports:view"]
`
	c, err := LoadCatalog(strings.NewReader(doc))
	require.NoError(t, err)

	report, err := f.manager.Seed(ctx, c, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.PermissionsCreated)
	assert.Equal(t, 1, report.RolesCreated)
	assert.Equal(t, 1, report.GrantsEnsured)

	perms, err := f.manager.ListRolePermissions(ctx, f.role(t, "analyst").ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, PermissionName("reports:view"), perms[0].Name)
}

// ============================================================================
// FAILURES
// ============================================================================

func TestManager_StoreFailuresSurface(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, RoleSupportAgent)
	f.repo.txError = errStoreDown

	_, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: role.ID})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, f.manager.RevokeRole(ctx, 7, role.ID, 1), ErrStoreUnavailable)
	assert.ErrorIs(t, f.manager.SetRolePermissions(ctx, role.ID, nil, 1), ErrStoreUnavailable)
	_, err = f.manager.CreateRole(ctx, CreateRoleInput{Name: "x_role"}, 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestManager_DirectoryFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.actors = mockActors{err: errors.New("users table offline")}

	_, err := f.manager.AssignRole(ctx, AssignRoleInput{ActorID: 7, RoleID: f.role(t, RoleSupportAgent).ID})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestManager_AuditFailureDoesNotFailMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.auditor.err = errors.New("audit_logs missing")

	_, err := f.manager.CreateRole(ctx, CreateRoleInput{Name: "auditor_down"}, 1)
	assert.NoError(t, err)
}
