package cmd

import (
	"errors"
	"fmt"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/output"
	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:     "tenant",
	Short:   "Show or change the active tenant",
	GroupID: "core",
}

var tenantSetCmd = &cobra.Command{
	Use:   "set <tenant-id>",
	Short: "Set the tenant this replica syncs with",
	Long: `Sets the active tenant. Switching tenants on a replica that already holds
another tenant's data is refused unless --force is given; a forced switch
clears the bootstrap marker and cursor; follow it with
"offsync sync bootstrap --force" to replace the local tables.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		database, err := openLocal()
		if err != nil {
			return err
		}
		defer database.Close()

		current, err := database.GetTenantID(ctx)
		if err != nil && !errors.Is(err, db.ErrMissingTenantID) {
			return err
		}
		next := args[0]
		if current == next {
			output.Info("Tenant already %s", next)
			return nil
		}
		if current != "" {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				return fmt.Errorf("%w: replica belongs to tenant %s (use --force to switch)", errInvalidArgs, current)
			}
			if pending, err := db.CountOutbox(ctx, database.Conn()); err != nil {
				return err
			} else if pending > 0 {
				return fmt.Errorf("%d outbox entries for tenant %s would be lost; push them first", pending, current)
			}
			if err := database.ClearBootstrapComplete(ctx); err != nil {
				return err
			}
			if err := db.SetLastChangeID(ctx, database.Conn(), 0); err != nil {
				return err
			}
		}
		if err := database.SetTenantID(ctx, next); err != nil {
			return err
		}
		output.Success("Tenant set to %s", next)
		if current != "" {
			output.Warning("local tables still hold %s data; run: offsync sync bootstrap --force", current)
		}
		return nil
	},
}

var tenantShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openLocal()
		if err != nil {
			return err
		}
		defer database.Close()

		tenant, err := database.GetTenantID(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(map[string]string{"tenant_id": tenant})
		}
		fmt.Println(tenant)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantSetCmd, tenantShowCmd)
	tenantSetCmd.Flags().Bool("force", false, "Switch away from a tenant whose data is already in the replica")
}
