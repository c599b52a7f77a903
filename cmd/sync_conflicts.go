package cmd

import (
	"fmt"
	"time"

	"github.com/marcus/offsync/internal/output"
	"github.com/spf13/cobra"
)

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show recorded version conflicts",
	Long: `Lists conflicts recorded when a push found the remote row at a different
version. Conflicts are kept for audit; the conflicting outbox entry is retried
with backoff until it is acknowledged or parked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 || limit > 1000 {
			return fmt.Errorf("%w: limit must be between 1 and 1000", errInvalidArgs)
		}
		sinceStr, _ := cmd.Flags().GetString("since")

		var since *time.Time
		if sinceStr != "" {
			d, err := time.ParseDuration(sinceStr)
			if err != nil {
				return fmt.Errorf("%w: invalid duration %q", errInvalidArgs, sinceStr)
			}
			t := time.Now().Add(-d)
			since = &t
		}

		database, err := openLocal()
		if err != nil {
			return err
		}
		defer database.Close()

		conflicts, err := database.ListConflicts(cmd.Context(), limit, since)
		if err != nil {
			return fmt.Errorf("query conflicts: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			fmt.Println("No sync conflicts found.")
			return nil
		}
		fmt.Println(output.SectionHeader(fmt.Sprintf("Recent sync conflicts (%d)", len(conflicts))))
		for _, c := range conflicts {
			fmt.Println("  " + output.FormatConflictShort(c))
		}
		return nil
	},
}

var syncConflictsShowCmd = &cobra.Command{
	Use:   "show <conflict-id>",
	Short: "Show both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openLocal()
		if err != nil {
			return err
		}
		defer database.Close()

		c, err := database.GetConflict(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(c)
		}
		fmt.Println(output.RenderConflict(*c))
		return nil
	},
}

func init() {
	syncConflictsCmd.Flags().Int("limit", 20, "Max conflicts to show")
	syncConflictsCmd.Flags().String("since", "", "Show conflicts from the last duration (e.g. 24h, 1h30m)")
	syncConflictsCmd.AddCommand(syncConflictsShowCmd)
	syncCmd.AddCommand(syncConflictsCmd)
}
