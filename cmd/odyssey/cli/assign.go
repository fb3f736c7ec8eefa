package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/users"
)

func isAlreadyAssigned(err error) bool {
	return errors.Is(err, rbac.ErrAlreadyAssigned)
}

// resolveRole accepts a role id or a role name.
func resolveRole(ctx context.Context, m *rbac.Manager, ref string) (rbac.Role, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return m.GetRole(ctx, id)
	}
	return m.GetRoleByName(ctx, ref)
}

// ---------- actor register ----------

func newActorCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage the actor directory",
	}
	cmd.AddCommand(newActorRegisterCmd(opts))
	return cmd
}

func newActorRegisterCmd(opts *globalOptions) *cobra.Command {
	var (
		id    int64
		name  string
		email string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an actor so roles can be assigned to it",
		Example: `  odyssey actor register --id 42 --name "Dana"          # sqlite
  odyssey actor register --email dana@example.com       # postgres`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := commandRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.sqlite != nil {
				if err := rt.sqlite.RegisterActor(ctx, id, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Actor %d registered.\n", id)
				return nil
			}
			user, err := users.NewService(users.NewRepository(rt.pool)).CreateUser(ctx, users.CreateUserInput{Email: email, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Actor %d registered (%s).\n", user.ID, user.Email)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "actor id (sqlite store)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address (postgres store)")
	return cmd
}

// ---------- assign ----------

func newAssignCmd(opts *globalOptions) *cobra.Command {
	var (
		actorID int64
		role    string
		by      int64
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a role to an actor",
		Example: `  odyssey assign --actor 42 --role standard_admin
  odyssey assign --actor 42 --role billing_clerk --for 72h --by 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := commandRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			r, err := resolveRole(ctx, rt.manager, role)
			if err != nil {
				return fmt.Errorf("role %q: %w", role, err)
			}
			in := rbac.AssignRoleInput{ActorID: actorID, RoleID: r.ID}
			if by > 0 {
				in.AssignedBy = &by
			}
			if ttl > 0 {
				expires := time.Now().Add(ttl).UTC()
				in.ExpiresAt = &expires
			}
			a, err := rt.manager.AssignRole(ctx, in)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Assigned %s to actor %d (assignment %d).\n", r.Name, a.ActorID, a.ID)
			if a.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires at %s.\n", a.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&actorID, "actor", 0, "actor id (required)")
	cmd.Flags().StringVar(&role, "role", "", "role name or id (required)")
	cmd.Flags().Int64Var(&by, "by", 0, "actor id recorded as the assigner")
	cmd.Flags().DurationVar(&ttl, "for", 0, "expire the assignment after this duration")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

// ---------- revoke ----------

func newRevokeCmd(opts *globalOptions) *cobra.Command {
	var (
		actorID int64
		role    string
		by      int64
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := commandRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			r, err := resolveRole(ctx, rt.manager, role)
			if err != nil {
				return fmt.Errorf("role %q: %w", role, err)
			}
			if err := rt.manager.RevokeRole(ctx, actorID, r.ID, by); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s from actor %d.\n", r.Name, actorID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&actorID, "actor", 0, "actor id (required)")
	cmd.Flags().StringVar(&role, "role", "", "role name or id (required)")
	cmd.Flags().Int64Var(&by, "by", 0, "actor id recorded as the revoker")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
