package sync

import (
	"context"
	"time"

	"github.com/marcus/offsync/internal/registry"
	"github.com/marcus/offsync/internal/serverdb"
)

// Remote is the shared store the engine synchronizes with.
// *serverdb.ServerDB implements it.
type Remote interface {
	RunMigrations(ctx context.Context) (int, error)
	EnsureTenantTables(ctx context.Context, tenantID string, reg *registry.Registry) error

	FindChangeByOutboxID(ctx context.Context, tenantID, outboxID string) (int64, bool, error)
	InsertRow(ctx context.Context, tenantID string, t registry.Table, row registry.Row, ch serverdb.Change) (serverdb.ApplyOutcome, error)
	UpdateRow(ctx context.Context, tenantID string, t registry.Table, key registry.Key, expected int64, set registry.Row, ch serverdb.Change) (serverdb.ApplyOutcome, error)

	ChangesSince(ctx context.Context, tenantID string, after int64, limit int, tables []string) ([]serverdb.Change, error)
	MaxChangeID(ctx context.Context, tenantID string) (int64, error)
	SnapshotTable(ctx context.Context, tenantID string, t registry.Table) ([]registry.Row, error)

	UpsertSyncCursor(ctx context.Context, deviceID, tenantID string, lastChangeID int64) error
	TouchDevice(ctx context.Context, deviceID, tenantID, name string) error
}

// Config tunes a sync cycle. Zero fields fall back to DefaultConfig.
type Config struct {
	PushLimit int
	PullLimit int
	// MaxConflictAttempts parks an outbox entry after this many conflicts.
	// Zero or negative never parks.
	MaxConflictAttempts int
	// ConflictBackoff is the delay after the first conflict; it doubles per
	// attempt up to MaxConflictBackoff.
	ConflictBackoff time.Duration
	DeviceName      string
	SnapshotWorkers int
}

// MaxConflictBackoff caps the retry delay of a conflicting entry.
const MaxConflictBackoff = time.Hour

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PushLimit:           100,
		PullLimit:           500,
		MaxConflictAttempts: 5,
		ConflictBackoff:     30 * time.Second,
		SnapshotWorkers:     4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PushLimit <= 0 {
		c.PushLimit = d.PushLimit
	}
	if c.PullLimit <= 0 {
		c.PullLimit = d.PullLimit
	}
	if c.ConflictBackoff <= 0 {
		c.ConflictBackoff = d.ConflictBackoff
	}
	if c.SnapshotWorkers <= 0 {
		c.SnapshotWorkers = d.SnapshotWorkers
	}
	return c
}

// PushResult summarises one push batch.
type PushResult struct {
	Acked     int
	Conflicts int
	// Skipped entries sit behind a conflicted entry for the same row.
	Skipped int
	// Parked entries were taken out of rotation in this batch.
	Parked int
}

// PullResult summarises one pull page.
type PullResult struct {
	Applied int
	// Skipped changes were older than the local row.
	Skipped   int
	NewCursor int64
}

// SyncResult is the outcome of SyncNow.
type SyncResult struct {
	Bootstrapped bool
	Push         PushResult
	Pull         PullResult
}
