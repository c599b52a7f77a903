package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/marcus/offsync/internal/output"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var syncBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Provision the replica from a snapshot of the tenant",
	Long: `Replaces every registered local table with the tenant's current remote rows
and moves the pull cursor to the change-log head. Without --force this only
runs on a replica that has never been bootstrapped. Refused while the outbox
holds unpushed changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := cmd.Context()

		if force && !yes {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("%w: --force replaces local data; pass --yes when not on a terminal", errInvalidArgs)
			}
			ok, err := confirm("Replace local tables?",
				"Every registered table in "+getBaseDir()+" is rebuilt from the remote snapshot.")
			if err != nil {
				return err
			}
			if !ok {
				output.Info("Cancelled")
				return nil
			}
		}

		return withSession(ctx, func(s *session) error {
			if !force {
				did, err := s.engine.BootstrapIfNeeded(ctx)
				if err != nil {
					return err
				}
				if !did {
					output.Info("Replica already provisioned (use --force to rebuild it)")
					return nil
				}
			} else if err := s.engine.Bootstrap(ctx); err != nil {
				return err
			}
			state, err := s.local.GetSyncState(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"bootstrapped": true, "cursor": state.LastChangeID})
			}
			output.Success("Bootstrapped tenant %s at change %d", state.TenantID, state.LastChangeID)
			return nil
		})
	},
}

// confirm asks a yes/no question on the terminal.
func confirm(title, description string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Replace").
		Negative("Cancel").
		Value(&ok).
		Run()
	return ok, err
}

func init() {
	syncBootstrapCmd.Flags().Bool("force", false, "Rebuild even if the replica was already bootstrapped")
	syncBootstrapCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	syncCmd.AddCommand(syncBootstrapCmd)
}
