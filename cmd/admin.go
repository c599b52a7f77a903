package cmd

import (
	"fmt"

	"github.com/marcus/offsync/internal/appschema"
	"github.com/marcus/offsync/internal/output"
	"github.com/marcus/offsync/internal/serverdb"
	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:     "admin",
	Short:   "Manage tenants and devices on the remote store",
	GroupID: "admin",
}

var adminTenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var adminTenantAddCmd = &cobra.Command{
	Use:   "add <tenant-id> <schema>",
	Short: "Register a tenant and provision its schema",
	Long: `Registers the tenant, creates its schema, and adds the sync metadata columns
to every replicated table. Unless --no-provision is given the application tables
are created first; re-running is safe.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, schema := args[0], args[1]
		noProvision, _ := cmd.Flags().GetBool("no-provision")
		ctx := cmd.Context()

		remote, err := openRemote(ctx)
		if err != nil {
			return err
		}
		defer remote.Close()

		if err := remote.RegisterTenant(ctx, tenantID, schema); err != nil {
			return err
		}
		if !noProvision {
			if err := remote.ProvisionTenant(ctx, tenantID, appschema.Remote(remote.Dialect().Name())); err != nil {
				return fmt.Errorf("provision %s: %w", tenantID, err)
			}
		}
		if err := remote.EnsureTenantTables(ctx, tenantID, appRegistry); err != nil {
			return err
		}
		logger.Info("tenant registered", "tenant", tenantID, "schema", schema, "provisioned", !noProvision)

		if jsonOutput(cmd) {
			return output.JSON(serverdb.Tenant{TenantID: tenantID, SchemaName: schema})
		}
		output.Success("Tenant %s ready in schema %s", tenantID, schema)
		return nil
	},
}

var adminTenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		remote, err := openRemote(ctx)
		if err != nil {
			return err
		}
		defer remote.Close()

		tenants, err := remote.ListTenants(ctx)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(tenants)
		}
		if len(tenants) == 0 {
			fmt.Println("No tenants registered.")
			return nil
		}
		for _, t := range tenants {
			fmt.Printf("  %-24s %s\n", t.TenantID, t.SchemaName)
		}
		return nil
	},
}

var adminDevicesCmd = &cobra.Command{
	Use:   "devices [tenant-id]",
	Short: "List devices that have synced with a tenant",
	Long:  `Lists a tenant's devices, most recently seen first. Defaults to the replica's tenant.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var tenantID string
		if len(args) == 1 {
			tenantID = args[0]
		} else {
			local, err := openLocal()
			if err != nil {
				return err
			}
			tenantID, err = requireTenant(ctx, local)
			local.Close()
			if err != nil {
				return err
			}
		}

		remote, err := openRemote(ctx)
		if err != nil {
			return err
		}
		defer remote.Close()

		devices, err := remote.ListDevices(ctx, tenantID)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(devices)
		}
		if len(devices) == 0 {
			fmt.Printf("No devices have synced with %s.\n", tenantID)
			return nil
		}
		for _, d := range devices {
			seen := "never"
			if d.LastSeenAt != nil {
				seen = output.FormatTimeAgo(*d.LastSeenAt)
			}
			cursor := "-"
			if c, err := remote.GetSyncCursor(ctx, d.DeviceID, tenantID); err == nil && c != nil {
				cursor = fmt.Sprintf("%d", c.LastChangeID)
			}
			fmt.Printf("  %-10s %-20s cursor %-8s seen %s\n", output.ShortID(d.DeviceID), d.Name, cursor, seen)
		}
		return nil
	},
}

func init() {
	adminTenantAddCmd.Flags().Bool("no-provision", false, "Only add sync metadata columns to existing tables")
	adminTenantCmd.AddCommand(adminTenantAddCmd)
	adminTenantCmd.AddCommand(adminTenantListCmd)
	adminCmd.AddCommand(adminTenantCmd)
	adminCmd.AddCommand(adminDevicesCmd)
	rootCmd.AddCommand(adminCmd)
}
