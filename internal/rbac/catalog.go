package rbac

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// PermissionName identifies a permission as resource:action.
type PermissionName string

// Permissions checked by the admin surfaces.
const (
	PermUsersView   PermissionName = "users:view"
	PermUsersCreate PermissionName = "users:create"
	PermUsersUpdate PermissionName = "users:update"
	PermUsersDelete PermissionName = "users:delete"

	PermRolesView   PermissionName = "roles:view"
	PermRolesManage PermissionName = "roles:manage"

	PermPermissionsView   PermissionName = "permissions:view"
	PermPermissionsManage PermissionName = "permissions:manage"

	PermOrdersRead   PermissionName = "orders:read"
	PermOrdersUpdate PermissionName = "orders:update"

	PermPricingView   PermissionName = "pricing:view"
	PermPricingCreate PermissionName = "pricing:create"
	PermPricingUpdate PermissionName = "pricing:update"

	PermBillingView   PermissionName = "billing:view"
	PermBillingManage PermissionName = "billing:manage"

	PermAdminMinimumEntries PermissionName = "admin:minimum_entries"
	PermAdminOrders         PermissionName = "admin:orders"
	PermAdminChat           PermissionName = "admin:chat"
	PermAdminAnnouncements  PermissionName = "admin:announcements"
)

// Built-in role names.
const (
	RoleSuperAdmin    = "super_admin"
	RoleStandardAdmin = "standard_admin"
	RoleSupportAgent  = "support_agent"
	RoleBillingClerk  = "billing_clerk"
)

var (
	permissionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*:[a-z][a-z0-9_]*$`)
	roleNamePattern       = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ParsePermissionName validates raw and returns it as a PermissionName.
func ParsePermissionName(raw string) (PermissionName, error) {
	raw = strings.TrimSpace(raw)
	if !permissionNamePattern.MatchString(raw) {
		return "", fmt.Errorf("%w: invalid permission name %q", ErrValidation, raw)
	}
	return PermissionName(raw), nil
}

// Valid reports whether the name has the resource:action shape.
func (n PermissionName) Valid() bool {
	return permissionNamePattern.MatchString(string(n))
}

// Resource returns the part before the separator.
func (n PermissionName) Resource() string {
	resource, _, _ := strings.Cut(string(n), ":")
	return resource
}

// Action returns the part after the separator.
func (n PermissionName) Action() string {
	_, action, _ := strings.Cut(string(n), ":")
	return action
}

func (n PermissionName) String() string { return string(n) }

func validRoleName(name string) bool {
	return roleNamePattern.MatchString(name)
}

var titleCaser = cases.Title(language.English)

// humanize renders machine names such as admin:minimum_entries as "Admin Minimum Entries".
func humanize(name string) string {
	return titleCaser.String(strings.NewReplacer(":", " ", "_", " ").Replace(name))
}

// Catalog describes permissions, roles and grants to install.
type Catalog struct {
	Permissions []CatalogPermission `yaml:"permissions"`
	Roles       []CatalogRole       `yaml:"roles"`
}

// CatalogPermission is a permission entry in a Catalog.
type CatalogPermission struct {
	Name        PermissionName `yaml:"name"`
	DisplayName string         `yaml:"display_name"`
	Description string         `yaml:"description"`
}

// CatalogRole is a role entry in a Catalog. AllPermissions grants every
// permission of the catalog.
type CatalogRole struct {
	Name           string           `yaml:"name"`
	DisplayName    string           `yaml:"display_name"`
	Description    string           `yaml:"description"`
	System         bool             `yaml:"system"`
	AllPermissions bool             `yaml:"all_permissions"`
	Permissions    []PermissionName `yaml:"permissions"`
}

// Grants resolves the permission names granted to role r within c.
func (c Catalog) Grants(r CatalogRole) []PermissionName {
	if !r.AllPermissions {
		return r.Permissions
	}
	names := make([]PermissionName, 0, len(c.Permissions))
	for _, p := range c.Permissions {
		names = append(names, p.Name)
	}
	return names
}

// Validate checks names and cross references.
func (c Catalog) Validate() error {
	known := make(map[PermissionName]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		if !p.Name.Valid() {
			return fmt.Errorf("%w: catalog permission %q", ErrValidation, p.Name)
		}
		if _, dup := known[p.Name]; dup {
			return fmt.Errorf("%w: duplicate catalog permission %q", ErrValidation, p.Name)
		}
		known[p.Name] = struct{}{}
	}
	roles := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if !validRoleName(r.Name) {
			return fmt.Errorf("%w: catalog role %q", ErrValidation, r.Name)
		}
		if _, dup := roles[r.Name]; dup {
			return fmt.Errorf("%w: duplicate catalog role %q", ErrValidation, r.Name)
		}
		roles[r.Name] = struct{}{}
		for _, name := range r.Permissions {
			if _, ok := known[name]; !ok {
				return fmt.Errorf("%w: role %q grants unknown permission %q", ErrValidation, r.Name, name)
			}
		}
	}
	return nil
}

// LoadCatalog parses a YAML catalog.
func LoadCatalog(r io.Reader) (Catalog, error) {
	var c Catalog
	if err := yaml.NewDecoder(r).Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("rbac: decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// StandardAdminPermissions is the grant set of the standard_admin role.
func StandardAdminPermissions() []PermissionName {
	return []PermissionName{
		PermUsersView,
		PermUsersCreate,
		PermUsersUpdate,
		PermPricingView,
		PermPricingCreate,
		PermPricingUpdate,
		PermAdminMinimumEntries,
		PermAdminOrders,
	}
}

// AllPermissions lists every permission constant known to the code.
func AllPermissions() []PermissionName {
	return []PermissionName{
		PermUsersView, PermUsersCreate, PermUsersUpdate, PermUsersDelete,
		PermRolesView, PermRolesManage,
		PermPermissionsView, PermPermissionsManage,
		PermOrdersRead, PermOrdersUpdate,
		PermPricingView, PermPricingCreate, PermPricingUpdate,
		PermBillingView, PermBillingManage,
		PermAdminMinimumEntries, PermAdminOrders, PermAdminChat, PermAdminAnnouncements,
	}
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() Catalog {
	perms := AllPermissions()
	c := Catalog{Permissions: make([]CatalogPermission, 0, len(perms))}
	for _, name := range perms {
		c.Permissions = append(c.Permissions, CatalogPermission{Name: name, DisplayName: humanize(string(name))})
	}
	c.Roles = []CatalogRole{
		{
			Name:           RoleSuperAdmin,
			DisplayName:    "Super Administrator",
			Description:    "Holds an explicit grant for every permission.",
			System:         true,
			AllPermissions: true,
		},
		{
			Name:        RoleStandardAdmin,
			DisplayName: "Standard Administrator",
			Description: "Day-to-day administration of users, pricing and orders.",
			System:      true,
			Permissions: StandardAdminPermissions(),
		},
		{
			Name:        RoleSupportAgent,
			DisplayName: "Support Agent",
			Permissions: []PermissionName{PermAdminChat, PermOrdersRead, PermUsersView},
		},
		{
			Name:        RoleBillingClerk,
			DisplayName: "Billing Clerk",
			Permissions: []PermissionName{PermBillingView, PermBillingManage, PermOrdersRead, PermPricingView},
		},
	}
	return c
}
