package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/registry"
	"github.com/marcus/offsync/internal/serverdb"
)

// errUnprocessable marks an outbox entry that can never be applied as
// written. It is parked and the batch continues.
var errUnprocessable = errors.New("unprocessable outbox entry")

// Push drains up to limit due outbox entries, oldest first. A transport
// failure stops the batch; entries acknowledged before it stay dequeued.
func (e *Engine) Push(ctx context.Context, limit int) (res PushResult, err error) {
	tenantID, deviceID, err := e.identity(ctx)
	if err != nil {
		return res, err
	}
	if limit <= 0 {
		limit = e.cfg.PushLimit
	}
	start := e.now()
	defer func() {
		e.metrics.add(ctx, e.metrics.pushAcked, res.Acked, tenantID)
		e.metrics.add(ctx, e.metrics.pushConflicts, res.Conflicts, tenantID)
		e.metrics.add(ctx, e.metrics.pushParked, res.Parked, tenantID)
		e.metrics.observe(ctx, "push", tenantID, e.now().Sub(start).Seconds(), err)
	}()
	log := e.log.With("tenant", tenantID)

	entries, err := e.local.PendingOutbox(ctx, tenantID, limit, e.now())
	if err != nil {
		return res, err
	}
	if len(entries) == 0 {
		return res, nil
	}

	// Rows whose earlier entry conflicted or was parked in this batch.
	blocked := make(map[string]bool)

	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			return res, err
		}
		rowKey := entry.TableName + "\x00" + entry.RowID
		if blocked[rowKey] {
			res.Skipped++
			continue
		}

		outcome, perr := e.pushEntry(ctx, tenantID, entry)
		if perr != nil {
			if errors.Is(perr, errUnprocessable) {
				log.Warn("parking outbox entry", "outbox_id", entry.OutboxID, "table", entry.TableName, "err", perr)
				if err = e.local.ParkOutbox(ctx, entry.OutboxID, e.now(), perr.Error()); err != nil {
					return res, err
				}
				res.Parked++
				blocked[rowKey] = true
				continue
			}
			log.Error("push entry failed", "outbox_id", entry.OutboxID, "table", entry.TableName, "row_id", entry.RowID, "err", perr)
			err = fmt.Errorf("push %s/%s: %w", entry.TableName, entry.RowID, perr)
			return res, err
		}

		if outcome.Conflict() {
			parked, cerr := e.handleConflict(ctx, entry, outcome)
			if cerr != nil {
				err = cerr
				return res, err
			}
			res.Conflicts++
			if parked {
				res.Parked++
			}
			blocked[rowKey] = true
			continue
		}

		if err = e.local.DeleteOutbox(ctx, entry.OutboxID); err != nil {
			return res, err
		}
		if outcome.Duplicate {
			log.Debug("outbox entry already applied", "outbox_id", entry.OutboxID)
		}
		res.Acked++
	}

	if err = e.remote.TouchDevice(ctx, deviceID, tenantID, e.cfg.DeviceName); err != nil {
		return res, err
	}
	log.Debug("push complete", "acked", res.Acked, "conflicts", res.Conflicts, "skipped", res.Skipped, "parked", res.Parked)
	return res, nil
}

// pushEntry applies one outbox entry remotely.
func (e *Engine) pushEntry(ctx context.Context, tenantID string, entry db.OutboxEntry) (serverdb.ApplyOutcome, error) {
	var none serverdb.ApplyOutcome

	id, found, err := e.remote.FindChangeByOutboxID(ctx, tenantID, entry.OutboxID)
	if err != nil {
		return none, err
	}
	if found {
		return serverdb.ApplyOutcome{Duplicate: true, ChangeID: id}, nil
	}

	t, err := e.reg.Lookup(entry.TableName)
	if err != nil {
		return none, err
	}
	key, err := t.DecodeRowID(entry.RowID)
	if err != nil {
		return none, fmt.Errorf("%w: %w", errUnprocessable, err)
	}
	payload, err := registry.DecodeRow(entry.Payload)
	if err != nil {
		return none, fmt.Errorf("%w: %w", errUnprocessable, err)
	}

	now := e.now()
	ts := db.FormatTime(now)
	row := withKey(t.Sanitize(payload), key)
	row[registry.ColVersion] = entry.Version
	row[registry.ColLastModifiedBy] = entry.DeviceID
	if isNull(row, registry.ColUpdatedAt) {
		row[registry.ColUpdatedAt] = ts
	}

	ch := serverdb.Change{
		TableName:      t.Name,
		RowID:          entry.RowID,
		Op:             entry.Op,
		Version:        entry.Version,
		ChangedAt:      now,
		SourceDeviceID: entry.DeviceID,
		OutboxID:       entry.OutboxID,
	}

	switch entry.Op {
	case db.OpInsert:
		if ch.Payload, err = row.Encode(); err != nil {
			return none, fmt.Errorf("%w: %w", errUnprocessable, err)
		}
		return e.remote.InsertRow(ctx, tenantID, t, row, ch)

	case db.OpUpdate:
		if ch.Payload, err = row.Encode(); err != nil {
			return none, fmt.Errorf("%w: %w", errUnprocessable, err)
		}
		return e.remote.UpdateRow(ctx, tenantID, t, key, entry.Version-1, row, ch)

	case db.OpDelete:
		if isNull(row, registry.ColDeletedAt) {
			row[registry.ColDeletedAt] = ts
		}
		if ch.Payload, err = row.Encode(); err != nil {
			return none, fmt.Errorf("%w: %w", errUnprocessable, err)
		}
		set := registry.Row{
			registry.ColDeletedAt:      row[registry.ColDeletedAt],
			registry.ColUpdatedAt:      row[registry.ColUpdatedAt],
			registry.ColVersion:        entry.Version,
			registry.ColLastModifiedBy: entry.DeviceID,
		}
		return e.remote.UpdateRow(ctx, tenantID, t, key, entry.Version-1, set, ch)

	default:
		return none, fmt.Errorf("%w: unknown op %q", errUnprocessable, entry.Op)
	}
}

// handleConflict records the conflict and schedules or parks the entry.
func (e *Engine) handleConflict(ctx context.Context, entry db.OutboxEntry, outcome serverdb.ApplyOutcome) (parked bool, err error) {
	c := db.SyncConflict{
		OutboxID:     entry.OutboxID,
		TableName:    entry.TableName,
		RowID:        entry.RowID,
		LocalPayload: string(entry.Payload),
		LocalVersion: entry.Version,
		DetectedAt:   e.now(),
	}
	found := "missing row"
	if outcome.RemoteRow != nil {
		remote := outcome.RemoteRow
		if t, lerr := e.reg.Lookup(entry.TableName); lerr == nil {
			remote = t.Sanitize(remote)
		}
		data, eerr := remote.Encode()
		if eerr != nil {
			return false, fmt.Errorf("encode remote row: %w", eerr)
		}
		c.RemotePayload = string(data)
		if v, ok := outcome.RemoteVersion(); ok {
			c.RemoteVersion = &v
			found = fmt.Sprintf("version %d", v)
		}
	}
	if _, err := e.local.RecordConflict(ctx, c); err != nil {
		return false, err
	}

	reason := fmt.Sprintf("version conflict: expected remote version %d, found %s", entry.Version-1, found)
	if entry.Op == db.OpInsert {
		reason = "insert conflict: row already exists at " + found
	}
	attempts := entry.Attempts + 1
	now := e.now()
	e.log.Warn("version conflict",
		"table", entry.TableName, "row_id", entry.RowID, "outbox_id", entry.OutboxID,
		"local_version", entry.Version, "remote", found, "attempts", attempts)

	if e.cfg.MaxConflictAttempts > 0 && attempts >= e.cfg.MaxConflictAttempts {
		return true, e.local.ParkOutbox(ctx, entry.OutboxID, now, reason)
	}
	return false, e.local.DeferOutbox(ctx, entry.OutboxID, now.Add(conflictBackoff(e.cfg.ConflictBackoff, attempts)), reason)
}

// conflictBackoff doubles base per attempt, capped at MaxConflictBackoff.
func conflictBackoff(base time.Duration, attempts int) time.Duration {
	return min(backoff.Exponential(base, attempts-1), MaxConflictBackoff)
}
