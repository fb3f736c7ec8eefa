package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
)

// ---------- migrate ----------

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Long:  "Apply pending Postgres migrations. The SQLite store migrates itself when opened.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := commandRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.pool == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "SQLite schema is up to date.")
				return nil
			}
			applied, err := db.Migrate(cmd.Context(), rt.pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied: %s\n", strings.Join(applied, ", "))
			return nil
		},
	}
}

// ---------- seed ----------

func newSeedCmd(opts *globalOptions) *cobra.Command {
	var (
		catalogPath string
		adminID     int64
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Install the permission catalog and built-in roles",
		Example: `  odyssey seed
  odyssey seed --catalog deploy/catalog.yaml --admin 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := commandRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if catalogPath == "" {
				catalogPath = rt.cfg.RBACCatalogPath
			}
			catalog := rbac.DefaultCatalog()
			if catalogPath != "" {
				f, err := os.Open(catalogPath)
				if err != nil {
					return fmt.Errorf("open catalog: %w", err)
				}
				catalog, err = rbac.LoadCatalog(f)
				f.Close()
				if err != nil {
					return err
				}
			}

			report, err := rt.manager.Seed(ctx, catalog, 0)
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Permissions created: %d\n", report.PermissionsCreated)
			fmt.Fprintf(out, "Roles created:       %d\n", report.RolesCreated)
			fmt.Fprintf(out, "Grants ensured:      %d\n", report.GrantsEnsured)

			if adminID > 0 {
				role, err := rt.manager.GetRoleByName(ctx, rbac.RoleSuperAdmin)
				if err != nil {
					return fmt.Errorf("load super_admin: %w", err)
				}
				_, err = rt.manager.AssignRole(ctx, rbac.AssignRoleInput{ActorID: adminID, RoleID: role.ID})
				switch {
				case err == nil:
					fmt.Fprintf(out, "Actor %d is now %s.\n", adminID, rbac.RoleSuperAdmin)
				case isAlreadyAssigned(err):
					fmt.Fprintf(out, "Actor %d already holds %s.\n", adminID, rbac.RoleSuperAdmin)
				default:
					return fmt.Errorf("assign super_admin: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML catalog file (default: built-in catalog, or $RBAC_CATALOG_PATH)")
	cmd.Flags().Int64Var(&adminID, "admin", 0, "actor id to receive the super_admin role")
	return cmd
}

// ---------- sync-superadmin ----------

func newSyncSuperAdminCmd(opts *globalOptions) *cobra.Command {
	var by int64

	cmd := &cobra.Command{
		Use:   "sync-superadmin",
		Short: "Grant every catalog permission to super_admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := commandRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			added, err := rt.manager.SyncSuperAdminGrants(cmd.Context(), by)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Grants added: %d\n", added)
			return nil
		},
	}
	cmd.Flags().Int64Var(&by, "by", 0, "actor id recorded as the granter")
	return cmd
}
