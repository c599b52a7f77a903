package cmd

import (
	"encoding/json"
	"os"
	"runtime"

	"github.com/marcus/offsync/internal/db"
	"github.com/spf13/cobra"
)

// RuntimeStats holds process and replica metrics sampled during long
// `sync watch` runs.
type RuntimeStats struct {
	AllocMB      float64 `json:"alloc_mb"`
	SysMB        float64 `json:"sys_mb"`
	NumGC        uint32  `json:"num_gc"`
	NumGoroutine int     `json:"num_goroutine"`
	HeapInuseMB  float64 `json:"heap_inuse_mb"`

	ReplicaBytes  int64 `json:"replica_bytes"`
	WALBytes      int64 `json:"wal_bytes"`
	PendingOutbox int64 `json:"pending_outbox"`
	ParkedOutbox  int64 `json:"parked_outbox"`
	Conflicts     int64 `json:"conflicts"`
}

var debugStatsCmd = &cobra.Command{
	Use:     "debug-stats",
	Short:   "Output runtime and replica statistics (JSON)",
	GroupID: "system",
	Hidden:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		stats := RuntimeStats{
			AllocMB:      float64(m.Alloc) / 1024 / 1024,
			SysMB:        float64(m.Sys) / 1024 / 1024,
			NumGC:        m.NumGC,
			NumGoroutine: runtime.NumGoroutine(),
			HeapInuseMB:  float64(m.HeapInuse) / 1024 / 1024,
		}

		if local, err := openLocal(); err == nil {
			if st, err := local.GetSyncState(cmd.Context()); err == nil {
				stats.PendingOutbox = st.PendingOutbox
				stats.ParkedOutbox = st.ParkedOutbox
				stats.Conflicts = st.Conflicts
			}
			path := db.ReplicaPath(local.BaseDir())
			stats.ReplicaBytes = fileSize(path)
			stats.WALBytes = fileSize(path + "-wal")
			local.Close()
		}

		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(stats)
	},
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func init() {
	rootCmd.AddCommand(debugStatsCmd)
}
