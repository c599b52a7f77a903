package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/offsync/internal/output"
	"github.com/marcus/offsync/internal/serverdb"
	"github.com/spf13/cobra"
)

// Styles for sync tail and watch output
var (
	pushArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("→")  // green
	pullArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Render("←")  // cyan
	errArrow  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗") // red
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var syncTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the tenant's recent change log",
	Long: `Show recent entries of the remote change log for the active tenant, oldest
first. Use -f to follow new entries.

Examples:
  offsync sync tail          # last 20 changes
  offsync sync tail -n 100   # last 100 changes
  offsync sync tail -f       # follow new changes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("limit")
		if lines < 0 || lines > 1000 {
			return fmt.Errorf("%w: --lines must be between 0 and 1000", errInvalidArgs)
		}

		ctx := cmd.Context()
		local, err := openLocal()
		if err != nil {
			return err
		}
		tenantID, err := requireTenant(ctx, local)
		deviceID, _ := local.EnsureDeviceID(ctx)
		local.Close()
		if err != nil {
			return err
		}

		remote, err := openRemote(ctx)
		if err != nil {
			return err
		}
		defer remote.Close()

		var changes []serverdb.Change
		if lines > 0 {
			if changes, err = remote.RecentChanges(ctx, tenantID, lines); err != nil {
				return err
			}
		}
		// RecentChanges is newest first.
		var maxID int64
		for i := len(changes) - 1; i >= 0; i-- {
			printChange(changes[i], deviceID)
			maxID = max(maxID, changes[i].ChangeID)
		}

		if !follow {
			if len(changes) == 0 {
				fmt.Println("No changes recorded.")
			}
			return nil
		}
		if lines == 0 {
			if maxID, err = remote.MaxChangeID(ctx, tenantID); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = followChanges(ctx, remote, tenantID, maxID, time.Second, func(ch serverdb.Change) {
			printChange(ch, deviceID)
		})
		if errors.Is(err, context.Canceled) {
			fmt.Println() // clean line after ^C
			return nil
		}
		return err
	},
}

// changeSource is the part of the remote store tail needs.
type changeSource interface {
	ChangesSince(ctx context.Context, tenantID string, after int64, limit int, tables []string) ([]serverdb.Change, error)
}

// followChanges polls for changes after `after` until ctx ends. Poll errors
// are logged and retried.
func followChanges(ctx context.Context, src changeSource, tenantID string, after int64, every time.Duration, emit func(serverdb.Change)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			changes, err := src.ChangesSince(ctx, tenantID, after, 100, nil)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Debug("sync tail: poll", "err", err)
				continue
			}
			for _, ch := range changes {
				emit(ch)
				after = max(after, ch.ChangeID)
			}
		}
	}
}

// printChange prints one change-log entry. Changes made by this device
// get a push arrow, everyone else's a pull arrow.
func printChange(ch serverdb.Change, selfDeviceID string) {
	arrow := pullArrow
	if ch.SourceDeviceID == selfDeviceID {
		arrow = pushArrow
	}
	fmt.Println(arrow + " " + output.FormatChange(ch))
}

func init() {
	syncTailCmd.Flags().BoolP("follow", "f", false, "Follow new changes")
	syncTailCmd.Flags().IntP("limit", "n", 20, "Number of recent changes to show first")
	syncCmd.AddCommand(syncTailCmd)
}
