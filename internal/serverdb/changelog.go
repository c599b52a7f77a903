package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	localdb "github.com/marcus/offsync/internal/db"
)

// Change is one entry of the remote change log.
type Change struct {
	ChangeID       int64
	TenantID       string
	TableName      string
	RowID          string
	Op             string
	Version        int64
	ChangedAt      time.Time
	SourceDeviceID string
	OutboxID       string
	Payload        []byte
}

// appendChange inserts ch inside tx. It reports dup when the tenant's
// change log already holds ch.OutboxID.
func (db *ServerDB) appendChange(ctx context.Context, tx *sql.Tx, ch Change) (id int64, dup bool, err error) {
	changedAt := ch.ChangedAt
	if changedAt.IsZero() {
		changedAt = time.Now()
	}
	var outboxID any
	if ch.OutboxID != "" {
		outboxID = ch.OutboxID
	}
	err = tx.QueryRowContext(ctx, db.rebind(`
		INSERT INTO sync_change_log (tenant_id, table_name, row_id, op, version, changed_at, source_device_id, outbox_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, outbox_id) WHERE outbox_id IS NOT NULL DO NOTHING
		RETURNING change_id`),
		ch.TenantID, ch.TableName, ch.RowID, ch.Op, ch.Version, db.dialect.TimeArg(changedAt),
		ch.SourceDeviceID, outboxID, string(ch.Payload),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, transport("append change", err)
	}
	return id, false, nil
}

// FindChangeByOutboxID returns the change id recorded for an outbox entry.
func (db *ServerDB) FindChangeByOutboxID(ctx context.Context, tenantID, outboxID string) (int64, bool, error) {
	var id int64
	var found bool
	err := db.do("find change", func() error {
		err := db.conn.QueryRowContext(ctx, db.rebind(`
			SELECT change_id FROM sync_change_log WHERE tenant_id = ? AND outbox_id = ?`),
			tenantID, outboxID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return transport("find change", err)
		}
		found = true
		return nil
	})
	return id, found, err
}

const changeColumns = `change_id, tenant_id, table_name, row_id, op, version, changed_at,
	source_device_id, COALESCE(outbox_id, ''), payload`

// ChangesSince returns up to limit changes with change_id > after in
// ascending order. A non-empty tables list restricts the result.
func (db *ServerDB) ChangesSince(ctx context.Context, tenantID string, after int64, limit int, tables []string) ([]Change, error) {
	query := `SELECT ` + changeColumns + ` FROM sync_change_log WHERE tenant_id = ? AND change_id > ?`
	args := []any{tenantID, after}
	if len(tables) > 0 {
		marks := make([]string, len(tables))
		for i, t := range tables {
			marks[i] = "?"
			args = append(args, t)
		}
		query += ` AND table_name IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY change_id ASC LIMIT ?`
	args = append(args, limit)

	var out []Change
	err := db.do("changes since", func() error {
		var err error
		out, err = db.queryChanges(ctx, query, args...)
		return err
	})
	return out, err
}

// RecentChanges returns the tenant's latest changes, newest first.
func (db *ServerDB) RecentChanges(ctx context.Context, tenantID string, limit int) ([]Change, error) {
	var out []Change
	err := db.do("recent changes", func() error {
		var err error
		out, err = db.queryChanges(ctx,
			`SELECT `+changeColumns+` FROM sync_change_log WHERE tenant_id = ? ORDER BY change_id DESC LIMIT ?`,
			tenantID, limit)
		return err
	})
	return out, err
}

func (db *ServerDB) queryChanges(ctx context.Context, query string, args ...any) ([]Change, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, transport("query changes", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		var changedAt any
		var payload []byte
		if err := rows.Scan(&c.ChangeID, &c.TenantID, &c.TableName, &c.RowID, &c.Op, &c.Version,
			&changedAt, &c.SourceDeviceID, &c.OutboxID, &payload); err != nil {
			return nil, transport("scan change", err)
		}
		ts, err := localdb.ScanTime(changedAt)
		if err != nil {
			return nil, fmt.Errorf("change %d changed_at: %w", c.ChangeID, err)
		}
		c.ChangedAt = ts
		c.Payload = payload
		out = append(out, c)
	}
	return out, transport("query changes", rows.Err())
}

// MaxChangeID returns the highest change id for the tenant, or 0.
func (db *ServerDB) MaxChangeID(ctx context.Context, tenantID string) (int64, error) {
	var id sql.NullInt64
	err := db.do("max change id", func() error {
		err := db.conn.QueryRowContext(ctx, db.rebind(
			`SELECT MAX(change_id) FROM sync_change_log WHERE tenant_id = ?`), tenantID).Scan(&id)
		return transport("max change id", err)
	})
	return id.Int64, err
}
