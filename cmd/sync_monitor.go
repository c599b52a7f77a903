package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/marcus/offsync/internal/db"
	offsync "github.com/marcus/offsync/internal/sync"
	"github.com/marcus/offsync/internal/tui/monitor"
	"github.com/spf13/cobra"
)

var syncMonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live dashboard of the outbox and conflicts",
	Long: `Launch a live-updating TUI dashboard showing:
- Sync state: tenant, device, cursor and bootstrap status
- Outbox: queued mutations with retry and park state
- Conflicts: recently recorded version conflicts

Key bindings:
  Tab/Shift+Tab  Switch panels
  1/2            Jump to panel
  j/k            Scroll active panel
  s              Sync now (needs a remote)
  r              Force refresh
  ?              Toggle help
  q              Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		ctx := cmd.Context()
		local, err := openLocal()
		if err != nil {
			return err
		}
		defer local.Close()

		var syncer monitor.Syncer
		if cfg.Remote.DSN != "" {
			remote, err := openRemote(ctx)
			if err != nil {
				logger.Warn("monitor: remote unavailable, sync key disabled", "err", err)
			} else {
				defer remote.Close()
				engine := offsync.NewEngine(local, remote, appRegistry, engineConfig(cfg),
					offsync.WithLogger(logger.With("component", "sync")))
				syncer = lockedSyncer{local: local, engine: engine}
			}
		}

		p := tea.NewProgram(monitor.NewModel(local, syncer, interval, version), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running monitor: %w", err)
		}
		return nil
	},
}

// lockedSyncer runs each cycle under the replica's sync lock so the
// monitor never overlaps a `sync` or `sync watch` in another process.
type lockedSyncer struct {
	local  *db.DB
	engine *offsync.Engine
}

func (s lockedSyncer) SyncNow(ctx context.Context) (offsync.SyncResult, error) {
	var res offsync.SyncResult
	err := s.local.WithSyncLock(syncLockTimeout, func() error {
		var err error
		res, err = s.engine.SyncNow(ctx)
		return err
	})
	if errors.Is(err, db.ErrSyncInProgress) {
		return res, fmt.Errorf("%w; try again shortly", err)
	}
	return res, err
}

func init() {
	syncMonitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval")
	syncCmd.AddCommand(syncMonitorCmd)
}
