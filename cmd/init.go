package cmd

import (
	"fmt"
	"strings"

	"github.com/marcus/offsync/internal/appschema"
	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/output"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local replica and its device id",
	Long: `Creates .offsync/replica.db with the sync tables and the application tables,
and generates this device's id. Safe to run again; existing data is kept.`,
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dir := getBaseDir()

		database, err := db.InitializeDriver(cfg.LocalDriver(), dir)
		if err != nil {
			return fmt.Errorf("initialize replica: %w", err)
		}
		defer database.Close()

		if err := database.ApplyDDL(ctx, appschema.Local()); err != nil {
			return err
		}
		deviceID, err := database.EnsureDeviceID(ctx)
		if err != nil {
			return err
		}

		tenant, _ := cmd.Flags().GetString("tenant")
		if tenant = strings.TrimSpace(tenant); tenant != "" {
			if err := database.SetTenantID(ctx, tenant); err != nil {
				return err
			}
		}

		if jsonOutput(cmd) {
			return output.JSON(map[string]string{"dir": dir, "device_id": deviceID, "tenant_id": tenant})
		}
		output.Success("INITIALIZED %s", dir)
		fmt.Printf("Device: %s\n", deviceID)
		if tenant != "" {
			fmt.Printf("Tenant: %s\n", tenant)
		} else {
			fmt.Println("Next: offsync tenant set <tenant-id>")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("tenant", "", "Set the active tenant")
}
