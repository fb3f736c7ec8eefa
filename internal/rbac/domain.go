package rbac

import "time"

// Permission represents an atomic capability named resource:action.
type Permission struct {
	ID          int64          `json:"id"`
	Name        PermissionName `json:"name"`
	Resource    string         `json:"resource"`
	Action      string         `json:"action"`
	DisplayName string         `json:"display_name"`
	Description string         `json:"description"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Role represents an independently activatable bundle of permissions.
type Role struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Description  string    `json:"description"`
	IsActive     bool      `json:"is_active"`
	IsSystemRole bool      `json:"is_system_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RolePermissionGrant ties a permission to a role.
type RolePermissionGrant struct {
	RoleID       int64     `json:"role_id"`
	PermissionID int64     `json:"permission_id"`
	GrantedAt    time.Time `json:"granted_at"`
	GrantedBy    *int64    `json:"granted_by,omitempty"`
}

// AssignmentState is the lifecycle state of an actor-role assignment row.
type AssignmentState string

const (
	AssignmentActive  AssignmentState = "active"
	AssignmentRevoked AssignmentState = "revoked"
)

// ActorRoleAssignment links an actor to a role. Rows are never deleted on
// revoke; IsActive carries the lifecycle.
type ActorRoleAssignment struct {
	ID         int64      `json:"id"`
	ActorID    int64      `json:"actor_id"`
	RoleID     int64      `json:"role_id"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy *int64     `json:"assigned_by,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// State reports the assignment lifecycle state.
func (a ActorRoleAssignment) State() AssignmentState {
	if a.IsActive {
		return AssignmentActive
	}
	return AssignmentRevoked
}

// Expired reports whether the assignment carries an expiry at or before now.
func (a ActorRoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// activate moves a Revoked row back to Active, refreshing its metadata.
func (a *ActorRoleAssignment) activate(assignedBy *int64, at time.Time, expiresAt *time.Time) error {
	if a.State() == AssignmentActive {
		return ErrAlreadyAssigned
	}
	a.IsActive = true
	a.AssignedAt = at
	a.AssignedBy = assignedBy
	a.ExpiresAt = expiresAt
	return nil
}

// revoke moves an Active row to Revoked. It reports whether a transition happened.
func (a *ActorRoleAssignment) revoke() bool {
	if a.State() == AssignmentRevoked {
		return false
	}
	a.IsActive = false
	return true
}

// RoleAssignment is an active assignment enriched with its role definition.
type RoleAssignment struct {
	Assignment ActorRoleAssignment `json:"assignment"`
	Role       Role                `json:"role"`
}

// CreateRoleInput carries the payload for role creation.
type CreateRoleInput struct {
	Name         string `json:"name" validate:"required,max=64,rolename"`
	DisplayName  string `json:"display_name" validate:"max=128"`
	Description  string `json:"description" validate:"max=512"`
	IsActive     *bool  `json:"is_active"`
	IsSystemRole bool   `json:"is_system_role"`
}

// UpdateRoleInput carries the payload for role updates. Nil fields are left untouched.
type UpdateRoleInput struct {
	Name        *string `json:"name" validate:"omitempty,max=64,rolename"`
	DisplayName *string `json:"display_name" validate:"omitempty,max=128"`
	Description *string `json:"description" validate:"omitempty,max=512"`
	IsActive    *bool   `json:"is_active"`
}

// CreatePermissionInput carries the payload for permission creation.
type CreatePermissionInput struct {
	Name        string `json:"name" validate:"required,max=128,permname"`
	DisplayName string `json:"display_name" validate:"max=128"`
	Description string `json:"description" validate:"max=512"`
	IsActive    *bool  `json:"is_active"`
}

// AssignRoleInput carries the payload for assigning a role to an actor.
type AssignRoleInput struct {
	ActorID    int64      `json:"actor_id" validate:"gt=0"`
	RoleID     int64      `json:"role_id" validate:"gt=0"`
	AssignedBy *int64     `json:"assigned_by"`
	ExpiresAt  *time.Time `json:"expires_at"`
}
