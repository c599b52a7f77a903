package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/offsync/internal/registry"
)

// ApplyOutcome describes the result of a versioned remote write.
type ApplyOutcome struct {
	// Applied is true when the row write and its change-log entry committed.
	Applied bool
	// Duplicate is true when the outbox id was already in the change log.
	Duplicate bool
	ChangeID  int64
	// RemoteRow is the current remote row on a version mismatch or an
	// insert of an existing row; nil when the row does not exist.
	RemoteRow registry.Row
}

// Conflict reports a version mismatch.
func (o ApplyOutcome) Conflict() bool { return !o.Applied && !o.Duplicate }

// RemoteVersion returns the version of RemoteRow, if any.
func (o ApplyOutcome) RemoteVersion() (int64, bool) {
	if o.RemoteRow == nil {
		return 0, false
	}
	return o.RemoteRow.Int64(registry.ColVersion)
}

// InsertRow inserts row into the tenant table and appends ch to the change
// log in the same transaction. When the row already exists nothing is
// written and the outcome carries the current remote row as a conflict.
func (db *ServerDB) InsertRow(ctx context.Context, tenantID string, t registry.Table, row registry.Row, ch Change) (ApplyOutcome, error) {
	var out ApplyOutcome
	err := db.do("insert row", func() error {
		schema, err := db.tenantSchema(ctx, tenantID)
		if err != nil {
			return err
		}
		remoteCols, err := db.remoteColumns(ctx, db.conn, schema, t.Name)
		if err != nil {
			return err
		}
		cols := writableColumns(t, row, remoteCols, true)
		if len(cols) == 0 {
			return fmt.Errorf("insert %s/%s: no writable columns", t.Name, ch.RowID)
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return transport("begin", err)
		}
		defer tx.Rollback()

		quoted := make([]string, len(cols))
		marks := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			quoted[i] = registry.QuoteIdent(c)
			marks[i] = "?"
			args[i] = row[c]
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
			qualify(schema, t.Name), strings.Join(quoted, ", "), strings.Join(marks, ", "))
		res, err := tx.ExecContext(ctx, db.rebind(stmt), args...)
		if err != nil {
			return transport("insert "+t.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another device created the row first. Only our own earlier
			// write of the same version counts as already applied.
			key, err := t.DecodeRowID(ch.RowID)
			if err != nil {
				return err
			}
			current, err := db.selectRow(ctx, tx, schema, t, key, false)
			if err != nil {
				return err
			}
			if v, ok := versionOf(current); ok && v == ch.Version && current[registry.ColLastModifiedBy] == ch.SourceDeviceID {
				out.Duplicate = true
				return nil
			}
			out.RemoteRow = current
			return nil
		}

		ch.TenantID = tenantID
		id, dup, err := db.appendChange(ctx, tx, ch)
		if err != nil {
			return err
		}
		if dup {
			out.Duplicate = true
			return nil
		}
		if err := tx.Commit(); err != nil {
			return transport("commit", err)
		}
		out.Applied = true
		out.ChangeID = id
		return nil
	})
	return out, err
}

// UpdateRow writes set onto the row identified by key when its remote
// version equals expected, and appends ch to the change log in the same
// transaction. On a version mismatch or a missing row nothing is written
// and the current remote row is returned in the outcome.
func (db *ServerDB) UpdateRow(ctx context.Context, tenantID string, t registry.Table, key registry.Key, expected int64, set registry.Row, ch Change) (ApplyOutcome, error) {
	var out ApplyOutcome
	err := db.do("update row", func() error {
		schema, err := db.tenantSchema(ctx, tenantID)
		if err != nil {
			return err
		}
		remoteCols, err := db.remoteColumns(ctx, db.conn, schema, t.Name)
		if err != nil {
			return err
		}
		cols := writableColumns(t, set, remoteCols, false)
		if len(cols) == 0 {
			return fmt.Errorf("update %s/%s: no writable columns", t.Name, ch.RowID)
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return transport("begin", err)
		}
		defer tx.Rollback()

		current, err := db.selectRow(ctx, tx, schema, t, key, true)
		if err != nil {
			return err
		}
		if v, ok := versionOf(current); current == nil || !ok || v != expected {
			out.RemoteRow = current
			return nil
		}

		assign := make([]string, len(cols))
		args := make([]any, 0, len(cols)+len(key.Values)+1)
		for i, c := range cols {
			assign[i] = registry.QuoteIdent(c) + " = ?"
			args = append(args, set[c])
		}
		where, keyArgs := keyPredicate(key)
		args = append(args, keyArgs...)
		args = append(args, expected)
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s AND %s = ?",
			qualify(schema, t.Name), strings.Join(assign, ", "), where, registry.QuoteIdent(registry.ColVersion))
		res, err := tx.ExecContext(ctx, db.rebind(stmt), args...)
		if err != nil {
			return transport("update "+t.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost a race on dialects without row locks.
			current, err := db.selectRow(ctx, tx, schema, t, key, false)
			if err != nil {
				return err
			}
			out.RemoteRow = current
			return nil
		}

		ch.TenantID = tenantID
		id, dup, err := db.appendChange(ctx, tx, ch)
		if err != nil {
			return err
		}
		if dup {
			out.Duplicate = true
			return nil
		}
		if err := tx.Commit(); err != nil {
			return transport("commit", err)
		}
		out.Applied = true
		out.ChangeID = id
		return nil
	})
	return out, err
}

// FetchRow returns the remote row for key, or nil if it does not exist.
func (db *ServerDB) FetchRow(ctx context.Context, tenantID string, t registry.Table, key registry.Key) (registry.Row, error) {
	var row registry.Row
	err := db.do("fetch row", func() error {
		schema, err := db.tenantSchema(ctx, tenantID)
		if err != nil {
			return err
		}
		row, err = db.selectRow(ctx, db.conn, schema, t, key, false)
		return err
	})
	return row, err
}

// SnapshotTable returns every row of a tenant table ordered by key.
// Soft-deleted rows are included.
func (db *ServerDB) SnapshotTable(ctx context.Context, tenantID string, t registry.Table) ([]registry.Row, error) {
	var out []registry.Row
	err := db.do("snapshot", func() error {
		schema, err := db.tenantSchema(ctx, tenantID)
		if err != nil {
			return err
		}
		order := make([]string, len(t.Key))
		for i, k := range t.Key {
			order[i] = registry.QuoteIdent(k)
		}
		rows, err := db.conn.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY %s",
			qualify(schema, t.Name), strings.Join(order, ", ")))
		if err != nil {
			return transport("snapshot "+t.Name, err)
		}
		defer rows.Close()
		out, err = scanRowMaps(rows)
		return transport("snapshot "+t.Name, err)
	})
	return out, err
}

func (db *ServerDB) selectRow(ctx context.Context, q querier, schema string, t registry.Table, key registry.Key, lock bool) (registry.Row, error) {
	where, args := keyPredicate(key)
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE %s", qualify(schema, t.Name), where)
	if lock {
		stmt += db.dialect.LockClause()
	}
	rows, err := q.QueryContext(ctx, db.rebind(stmt), args...)
	if err != nil {
		return nil, transport("select "+t.Name, err)
	}
	defer rows.Close()
	found, err := scanRowMaps(rows)
	if err != nil {
		return nil, transport("select "+t.Name, err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

func keyPredicate(key registry.Key) (string, []any) {
	parts := make([]string, len(key.Columns))
	for i, c := range key.Columns {
		parts[i] = registry.QuoteIdent(c) + " = ?"
	}
	return strings.Join(parts, " AND "), key.Args()
}

// writableColumns lists the columns of row that the table replicates and
// the remote table has. Key columns are included only for inserts.
func writableColumns(t registry.Table, row registry.Row, remote []string, withKey bool) []string {
	have := make(map[string]bool, len(remote))
	for _, c := range remote {
		have[c] = true
	}
	var cols []string
	for _, c := range row.Columns() {
		if !have[c] || !t.Replicates(c) {
			continue
		}
		if !withKey && t.IsKey(c) {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

func versionOf(row registry.Row) (int64, bool) {
	if row == nil {
		return 0, false
	}
	return row.Int64(registry.ColVersion)
}

// scanRowMaps reads every remaining row into a column map.
func scanRowMaps(rows *sql.Rows) ([]registry.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []registry.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(registry.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row.Normalize())
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
