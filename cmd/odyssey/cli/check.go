package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
)

// errDenied makes a negative check exit non-zero.
var errDenied = errors.New("denied")

// ---------- check ----------

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var (
		actorID     int64
		permissions []string
		all         bool
		role        string
		superAdmin  bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate an authorization question for an actor",
		Long: `Evaluate an authorization question for an actor. Prints allow or deny and
exits non-zero on deny. Multiple --permission flags are OR-ed unless --all is set.`,
		Example: `  odyssey check --actor 42 --permission users:view
  odyssey check --actor 42 --permission admin:chat --permission admin:orders
  odyssey check --actor 1 --super-admin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := make([]rbac.PermissionName, 0, len(permissions))
			for _, raw := range permissions {
				name, err := rbac.ParsePermissionName(raw)
				if err != nil {
					return err
				}
				names = append(names, name)
			}
			asked := 0
			if len(names) > 0 {
				asked++
			}
			if role != "" {
				asked++
			}
			if superAdmin {
				asked++
			}
			if asked != 1 {
				return errors.New("pass exactly one of --permission, --role or --super-admin")
			}

			ctx := cmd.Context()
			rt, err := commandRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			var allowed bool
			switch {
			case superAdmin:
				allowed = rt.engine.IsSuperAdmin(ctx, actorID)
			case role != "":
				allowed = rt.engine.HasRole(ctx, actorID, role)
			case all:
				allowed = rt.engine.HasAllPermissions(ctx, actorID, names...)
			default:
				allowed = rt.engine.HasAnyPermission(ctx, actorID, names...)
			}

			if !allowed {
				fmt.Fprintln(cmd.OutOrStdout(), "deny")
				return errDenied
			}
			fmt.Fprintln(cmd.OutOrStdout(), "allow")
			return nil
		},
	}

	cmd.Flags().Int64Var(&actorID, "actor", 0, "actor id (required)")
	cmd.Flags().StringArrayVar(&permissions, "permission", nil, "permission name (resource:action), repeatable")
	cmd.Flags().BoolVar(&all, "all", false, "require every --permission instead of any")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	cmd.Flags().BoolVar(&superAdmin, "super-admin", false, "check the super_admin role")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// ---------- access ----------

func newAccessCmd(opts *globalOptions) *cobra.Command {
	var (
		actorID    int64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "access",
		Short: "List the effective roles and permissions of an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := commandRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			roles, err := rt.engine.GetUserRoles(ctx, actorID)
			if err != nil {
				return err
			}
			perms, err := rt.engine.GetUserPermissions(ctx, actorID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"actor_id": actorID, "roles": roles, "permissions": perms})
			}

			roleNames := make([]string, 0, len(roles))
			for _, r := range roles {
				roleNames = append(roleNames, r.Role.Name)
			}
			fmt.Fprintf(out, "Actor %d\n", actorID)
			fmt.Fprintf(out, "Roles:       %s\n", joinOrNone(roleNames))
			permNames := make([]string, 0, len(perms))
			for _, p := range perms {
				permNames = append(permNames, string(p.Name))
			}
			fmt.Fprintf(out, "Permissions: %s\n", joinOrNone(permNames))
			return nil
		},
	}

	cmd.Flags().Int64Var(&actorID, "actor", 0, "actor id (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
