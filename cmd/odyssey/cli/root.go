// Package cli implements the odyssey command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every subcommand. Empty
// values fall back to the environment configuration.
type globalOptions struct {
	store      string
	sqlitePath string
}

// Execute creates the root command tree and runs it.
func Execute(version, commit string) error {
	return newRootCmd(version, commit).Execute()
}

func newRootCmd(version, commit string) *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "odyssey",
		Short: "Role-based access control service",
		Long: `odyssey runs the RBAC admin API and manages the permission catalog,
role grants and actor role assignments from the command line.`,
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.store, "store", "", "storage backend: postgres or sqlite (default $RBAC_STORE)")
	cmd.PersistentFlags().StringVar(&opts.sqlitePath, "sqlite-path", "", "SQLite database file (default $SQLITE_PATH)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newSeedCmd(opts))
	cmd.AddCommand(newActorCmd(opts))
	cmd.AddCommand(newAssignCmd(opts))
	cmd.AddCommand(newRevokeCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newAccessCmd(opts))
	cmd.AddCommand(newSyncSuperAdminCmd(opts))
	cmd.AddCommand(newJobsCmd())

	return cmd
}
