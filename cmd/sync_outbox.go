package cmd

import (
	"fmt"
	"time"

	"github.com/marcus/offsync/internal/output"
	"github.com/spf13/cobra"
)

var syncOutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List queued local changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 || limit > 10000 {
			return fmt.Errorf("%w: limit must be between 1 and 10000", errInvalidArgs)
		}
		database, err := openLocal()
		if err != nil {
			return err
		}
		defer database.Close()

		entries, err := database.ListOutbox(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		now := time.Now()
		for _, e := range entries {
			fmt.Println(output.FormatOutboxEntry(e, now))
		}
		return nil
	},
}

var syncRequeueCmd = &cobra.Command{
	Use:   "requeue [outbox-id]",
	Short: "Return parked or backed-off outbox entries to the push rotation",
	Long: `Clears the attempt count, backoff and park state of one outbox entry, or of
every parked or deferred entry with --all. The next push retries them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return fmt.Errorf("%w: give an outbox id or --all", errInvalidArgs)
		}
		id := ""
		if len(args) == 1 {
			id = args[0]
		}

		database, err := openLocal()
		if err != nil {
			return err
		}
		defer database.Close()

		n, err := database.RequeueOutbox(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(map[string]int64{"requeued": n})
		}
		if n == 0 {
			output.Info("Nothing to requeue")
			return nil
		}
		output.Success("Requeued %d outbox entries", n)
		return nil
	},
}

func init() {
	syncOutboxCmd.Flags().Int("limit", 50, "Max entries to show")
	syncRequeueCmd.Flags().Bool("all", false, "Requeue every parked or deferred entry")
	syncCmd.AddCommand(syncOutboxCmd, syncRequeueCmd)
}
