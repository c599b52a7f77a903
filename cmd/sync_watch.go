package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/output"
	offsync "github.com/marcus/offsync/internal/sync"
	"github.com/spf13/cobra"
)

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run sync cycles on an interval until interrupted",
	Long: `Runs a sync cycle immediately and then every --interval (default sync.interval).
Remote outages are logged and retried on the next tick; a missing tenant or
device id stops the loop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval == 0 {
			interval = cfg.Interval()
		}
		if interval < time.Second {
			return fmt.Errorf("%w: --interval must be at least 1s", errInvalidArgs)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		output.Info("Watching %s every %s (Ctrl+C to stop)", getBaseDir(), interval)
		syncer := lockedSyncer{local: s.local, engine: s.engine}
		err = watchLoop(ctx, interval, syncer.SyncNow, printWatchCycle)
		if errors.Is(err, context.Canceled) {
			fmt.Println()
			return nil
		}
		return err
	},
}

// watchLoop calls cycle now and on every tick until ctx ends or cycle
// returns an error no retry can fix.
func watchLoop(ctx context.Context, interval time.Duration,
	cycle func(context.Context) (offsync.SyncResult, error),
	report func(offsync.SyncResult, error)) error {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report(res, err)
		if err != nil && offsync.IsFatal(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printWatchCycle(res offsync.SyncResult, err error) {
	ts := dimStyle.Render(time.Now().Format("15:04:05"))
	switch {
	case errors.Is(err, db.ErrSyncInProgress):
		fmt.Printf("%s skipped: another sync is running\n", ts)
	case err != nil:
		logger.Warn("sync cycle failed", "err", err)
		fmt.Printf("%s %s %v\n", ts, errArrow, err)
	default:
		fmt.Printf("%s %s %d pushed  %s %d pulled  cursor %d",
			ts, pushArrow, res.Push.Acked, pullArrow, res.Pull.Applied, res.Pull.NewCursor)
		if res.Push.Conflicts > 0 {
			fmt.Printf("  %d conflicts", res.Push.Conflicts)
		}
		if res.Bootstrapped {
			fmt.Print("  (bootstrapped)")
		}
		fmt.Println()
	}
}

func init() {
	syncWatchCmd.Flags().Duration("interval", 0, "Time between cycles (default sync.interval, 1m)")
	syncCmd.AddCommand(syncWatchCmd)
}
