package sync

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/registry"
	"github.com/marcus/offsync/internal/serverdb"
)

// Pull fetches one page of change-log entries after the local cursor and
// applies them in a single local transaction. With tables set, only those
// tables are pulled and the cursor is left where it was, so a later full
// pull still sees every change.
func (e *Engine) Pull(ctx context.Context, limit int, tables ...string) (res PullResult, err error) {
	tenantID, deviceID, err := e.identity(ctx)
	if err != nil {
		return res, err
	}
	if limit <= 0 {
		limit = e.cfg.PullLimit
	}
	start := e.now()
	defer func() {
		e.metrics.add(ctx, e.metrics.pullApplied, res.Applied, tenantID)
		e.metrics.add(ctx, e.metrics.pullSkipped, res.Skipped, tenantID)
		e.metrics.observe(ctx, "pull", tenantID, e.now().Sub(start).Seconds(), err)
	}()
	log := e.log.With("tenant", tenantID)

	cursor, err := db.LastChangeID(ctx, e.local.Conn())
	if err != nil {
		return res, err
	}
	res.NewCursor = cursor

	filtered := len(tables) > 0
	var filter []string
	if filtered {
		if filter = e.reg.Filter(tables); len(filter) == 0 {
			log.Debug("pull filter names no registered table", "tables", tables)
			return res, nil
		}
	}

	changes, err := e.remote.ChangesSince(ctx, tenantID, cursor, limit, filter)
	if err != nil {
		return res, err
	}
	if len(changes) == 0 {
		return res, nil
	}
	last := changes[len(changes)-1].ChangeID

	var applied, skipped int
	err = e.local.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
			return fmt.Errorf("defer foreign keys: %w", err)
		}
		for _, ch := range changes {
			ok, err := e.applyChange(ctx, tx, ch)
			if err != nil {
				return fmt.Errorf("apply change %d (%s/%s): %w", ch.ChangeID, ch.TableName, ch.RowID, err)
			}
			if ok {
				applied++
			} else {
				skipped++
			}
		}
		if filtered {
			return nil
		}
		return db.SetLastChangeID(ctx, tx, last)
	})
	if err != nil {
		log.Error("pull apply failed", "cursor", cursor, "err", err)
		return res, err
	}
	res.Applied, res.Skipped = applied, skipped
	if filtered {
		log.Debug("filtered pull complete", "tables", filter, "applied", applied, "skipped", skipped)
		return res, nil
	}
	res.NewCursor = last

	if err = e.remote.UpsertSyncCursor(ctx, deviceID, tenantID, last); err != nil {
		return res, err
	}
	if err = e.remote.TouchDevice(ctx, deviceID, tenantID, e.cfg.DeviceName); err != nil {
		return res, err
	}
	log.Debug("pull complete", "applied", applied, "skipped", skipped, "cursor", last)
	return res, nil
}

// applyChange writes one remote change into the local store. It returns
// false when the local row is already newer.
func (e *Engine) applyChange(ctx context.Context, tx *sql.Tx, ch serverdb.Change) (bool, error) {
	t, err := e.reg.Lookup(ch.TableName)
	if err != nil {
		return false, err
	}
	key, err := t.DecodeRowID(ch.RowID)
	if err != nil {
		return false, err
	}
	payload, err := registry.DecodeRow(ch.Payload)
	if err != nil {
		return false, err
	}

	version, exists, err := localVersion(ctx, tx, t, key)
	if err != nil {
		return false, err
	}
	if exists && version > ch.Version {
		return false, nil
	}

	cols, err := e.localColumns(ctx, tx, t.Name)
	if err != nil {
		return false, err
	}

	row := withKey(t.Sanitize(payload), key)
	row[registry.ColVersion] = ch.Version
	if ch.SourceDeviceID != "" {
		row[registry.ColLastModifiedBy] = ch.SourceDeviceID
	}

	switch ch.Op {
	case db.OpInsert, db.OpUpdate:
	case db.OpDelete:
		if isNull(row, registry.ColDeletedAt) {
			row[registry.ColDeletedAt] = db.FormatTime(ch.ChangedAt)
		}
		if exists {
			// Tombstone an existing row without touching its other columns.
			row = withKey(registry.Row{
				registry.ColDeletedAt:      row[registry.ColDeletedAt],
				registry.ColVersion:        ch.Version,
				registry.ColUpdatedAt:      row[registry.ColUpdatedAt],
				registry.ColLastModifiedBy: row[registry.ColLastModifiedBy],
			}, key)
			for _, c := range []string{registry.ColUpdatedAt, registry.ColLastModifiedBy} {
				if row[c] == nil {
					delete(row, c)
				}
			}
		}
	default:
		return false, fmt.Errorf("unknown op %q", ch.Op)
	}

	if err := upsertLocal(ctx, tx, t, key, row, cols, exists); err != nil {
		return false, err
	}
	e.log.Debug("applied change", "change_id", ch.ChangeID, "op", ch.Op, "table", t.Name, "row_id", ch.RowID, "existed", exists)
	return true, nil
}
