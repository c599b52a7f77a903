package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/offsync/internal/output"
	offsync "github.com/marcus/offsync/internal/sync"
	"github.com/spf13/cobra"
)

// syncLockTimeout bounds the wait for another sync on the same replica.
const syncLockTimeout = 5 * time.Second

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes and pull remote ones",
	Long: `Runs one sync cycle: ensure the tenant schema, bootstrap from a snapshot if
the replica is empty, push one outbox batch, then pull one change-log page.

Examples:
  offsync sync                  # full cycle
  offsync sync --push           # drain the outbox only
  offsync sync --pull --table products --table categories
  offsync sync --status         # local sync state, no network needed`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		statusOnly, _ := cmd.Flags().GetBool("status")
		limit, _ := cmd.Flags().GetInt("limit")
		tables, _ := cmd.Flags().GetStringSlice("table")

		if pushOnly && pullOnly {
			return fmt.Errorf("%w: --push and --pull are exclusive", errInvalidArgs)
		}
		if pushOnly && len(tables) > 0 {
			return fmt.Errorf("%w: --table filters pulls only", errInvalidArgs)
		}
		if limit < 0 {
			return fmt.Errorf("%w: --limit must be positive", errInvalidArgs)
		}

		ctx := cmd.Context()
		if statusOnly {
			return runSyncStatus(cmd, ctx)
		}

		return withSession(ctx, func(s *session) error {
			res, err := runSyncCycle(ctx, s.engine, syncOptions{
				push: !pullOnly, pull: !pushOnly, limit: limit, tables: tables,
			})
			if err != nil {
				if res != (offsync.SyncResult{}) {
					printSyncResult(cmd, res)
				}
				return err
			}
			printSyncResult(cmd, res)
			return nil
		})
	},
}

type syncOptions struct {
	push, pull bool
	limit      int
	tables     []string
}

// runSyncCycle runs SyncNow for a plain cycle and the individual steps
// otherwise. A partial push result is returned alongside its error.
func runSyncCycle(ctx context.Context, engine *offsync.Engine, o syncOptions) (offsync.SyncResult, error) {
	if o.push && o.pull && o.limit == 0 && len(o.tables) == 0 {
		return engine.SyncNow(ctx)
	}

	var res offsync.SyncResult
	var err error
	if o.pull {
		if err = engine.EnsureSchema(ctx); err != nil {
			return res, err
		}
		if res.Bootstrapped, err = engine.BootstrapIfNeeded(ctx); err != nil {
			return res, err
		}
	}
	if o.push {
		limit := o.limit
		if limit == 0 {
			limit = engine.Config().PushLimit
		}
		if res.Push, err = engine.Push(ctx, limit); err != nil {
			return res, err
		}
	}
	if o.pull {
		limit := o.limit
		if limit == 0 {
			limit = engine.Config().PullLimit
		}
		if res.Pull, err = engine.Pull(ctx, limit, o.tables...); err != nil {
			return res, err
		}
	}
	return res, nil
}

func printSyncResult(cmd *cobra.Command, res offsync.SyncResult) {
	if jsonOutput(cmd) {
		_ = output.JSON(res)
		return
	}
	if res.Bootstrapped {
		output.Success("Bootstrapped from snapshot")
	}
	p := res.Push
	fmt.Printf("Pushed %d", p.Acked)
	if p.Conflicts > 0 || p.Parked > 0 || p.Skipped > 0 {
		fmt.Printf(" (%d conflicts, %d skipped, %d parked)", p.Conflicts, p.Skipped, p.Parked)
	}
	fmt.Printf("; pulled %d", res.Pull.Applied)
	if res.Pull.Skipped > 0 {
		fmt.Printf(" (%d older than local)", res.Pull.Skipped)
	}
	fmt.Printf("; cursor %d\n", res.Pull.NewCursor)
	if p.Conflicts > 0 {
		output.Warning("version conflicts recorded; see: offsync sync conflicts")
	}
}

// runSyncStatus prints local sync state and, when a remote is configured,
// how far the replica is behind the tenant's change log.
func runSyncStatus(cmd *cobra.Command, ctx context.Context) error {
	database, err := openLocal()
	if err != nil {
		return err
	}
	defer database.Close()

	state, err := database.GetSyncState(ctx)
	if err != nil {
		return err
	}

	var head int64 = -1
	if cfg.Remote.DSN != "" && state.TenantID != "" {
		head = remoteHead(ctx, state.TenantID)
	}

	if jsonOutput(cmd) {
		out := map[string]any{"state": state}
		if head >= 0 {
			out["remote_head"] = head
		}
		return output.JSON(out)
	}
	fmt.Println(output.FormatSyncState(state))
	if head >= 0 {
		fmt.Printf("\nRemote head: %d (%d behind)\n", head, max(head-state.LastChangeID, 0))
	}
	return nil
}

// remoteHead returns the tenant's latest change id, or -1 when the remote
// cannot be reached.
func remoteHead(ctx context.Context, tenantID string) int64 {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	remote, err := openRemote(ctx)
	if err != nil {
		output.Warning("remote status: %v", err)
		return -1
	}
	defer remote.Close()
	head, err := remote.MaxChangeID(ctx, tenantID)
	if err != nil {
		output.Warning("remote status: %v", err)
		return -1
	}
	return head
}

func init() {
	rootCmd.AddCommand(syncCmd)
	f := syncCmd.Flags()
	f.Bool("push", false, "Push only")
	f.Bool("pull", false, "Pull only")
	f.Bool("status", false, "Show local sync state")
	f.Int("limit", 0, "Batch size for push and page size for pull (default from config)")
	f.StringSlice("table", nil, "Pull only these tables (repeatable; cursor is not advanced)")
}
