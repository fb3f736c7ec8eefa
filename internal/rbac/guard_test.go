package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_RequirePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.assign(t, 42, RoleStandardAdmin)
	guard := NewGuard(f.engine, discardLogger(), f.recorder)

	id, err := guard.RequirePermission(ctx, 42, PermUsersView)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = guard.RequirePermission(ctx, 42, PermAdminChat)
	require.ErrorIs(t, err, ErrAuthorizationDenied)
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, int64(42), denied.ActorID)
	assert.Equal(t, "permission 'admin:chat' required", denied.Error())

	_, err = guard.RequirePermission(ctx, 0, PermUsersView)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	assert.NotErrorIs(t, err, ErrAuthorizationDenied)
}

func TestGuard_RequireAnyPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.assign(t, 7, RoleSupportAgent)
	guard := NewGuard(f.engine, discardLogger(), nil)

	_, err := guard.RequireAnyPermission(ctx, 7, PermBillingManage, PermAdminChat)
	assert.NoError(t, err)

	_, err = guard.RequireAnyPermission(ctx, 7, PermBillingManage, PermPricingUpdate)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.EqualError(t, err, "one of permissions 'billing:manage', 'pricing:update' required")

	_, err = guard.RequireAnyPermission(ctx, 7)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
}

func TestGuard_RequireSuperAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.assign(t, 1, RoleSuperAdmin)
	f.assign(t, 42, RoleStandardAdmin)
	guard := NewGuard(f.engine, discardLogger(), nil)

	id, err := guard.RequireSuperAdmin(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = guard.RequireSuperAdmin(ctx, 42)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.EqualError(t, err, "role 'super_admin' required")

	_, err = guard.RequireSuperAdmin(ctx, -5)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestGuard_FailsClosedOnStoreError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.assign(t, 1, RoleSuperAdmin)
	guard := NewGuard(f.engine, discardLogger(), f.recorder)
	f.repo.resolveErr = errStoreDown

	_, err := guard.RequirePermission(ctx, 1, PermUsersView)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.Equal(t, recordedDecision{check: "require_permission", outcome: OutcomeError}, f.recorder.last())

	_, err = guard.RequireSuperAdmin(ctx, 1)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
}
