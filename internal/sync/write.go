package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/registry"
)

// Write preconditions.
var (
	ErrRowExists   = errors.New("row already exists")
	ErrRowNotFound = errors.New("row not found")
)

// WriteResult identifies the outbox entry queued by Write.
type WriteResult struct {
	OutboxID string
	RowID    string
	Version  int64
}

// Write applies a local mutation and queues it for push in the same
// transaction. row must carry the table's key columns. Inserts require the
// row to be absent and updates and deletes require it to exist, tombstones
// included. For updates only the given columns change; deletes stamp
// deleted_at and keep the row.
func (e *Engine) Write(ctx context.Context, op, table string, row registry.Row) (WriteResult, error) {
	var res WriteResult
	if !db.ValidOp(op) {
		return res, fmt.Errorf("write %s: unknown op %q", table, op)
	}
	tbl, err := e.reg.Lookup(table)
	if err != nil {
		return res, err
	}
	rowID, err := tbl.RowID(row)
	if err != nil {
		return res, err
	}
	key, err := tbl.DecodeRowID(rowID)
	if err != nil {
		return res, err
	}
	_, deviceID, err := e.identity(ctx)
	if err != nil {
		return res, err
	}
	now := e.now()
	ts := db.FormatTime(now)

	err = e.local.WithTx(ctx, func(tx *sql.Tx) error {
		version, exists, err := localVersion(ctx, tx, tbl, key)
		if err != nil {
			return err
		}
		switch {
		case op == db.OpInsert && exists:
			return ErrRowExists
		case op != db.OpInsert && !exists:
			return ErrRowNotFound
		}
		next := version + 1
		if !exists {
			next = 1
		}
		write := row.Clone()
		write[registry.ColVersion] = next
		write[registry.ColUpdatedAt] = ts
		write[registry.ColLastModifiedBy] = deviceID
		if op == db.OpDelete {
			write[registry.ColDeletedAt] = ts
		}
		cols, err := e.localColumns(ctx, tx, tbl.Name)
		if err != nil {
			return err
		}
		if err := upsertLocal(ctx, tx, tbl, key, write, cols, exists); err != nil {
			return err
		}
		after, err := readRow(ctx, tx, tbl, key)
		if err != nil {
			return err
		}
		id, err := db.EnqueueOutbox(ctx, tx, e.reg, db.OutboxInput{
			Table: tbl.Name, RowID: rowID, Op: op, Version: next,
			Payload: after, CreatedAt: now,
		})
		res = WriteResult{OutboxID: id, RowID: rowID, Version: next}
		return err
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("write %s %s/%s: %w", op, table, rowID, err)
	}
	e.log.Debug("local write queued", "op", op, "table", table, "row", rowID, "version", res.Version)
	return res, nil
}

// ReadRow returns a local row, soft-deleted or not. It returns nil when the
// row is absent.
func (e *Engine) ReadRow(ctx context.Context, table, rowID string) (registry.Row, error) {
	tbl, err := e.reg.Lookup(table)
	if err != nil {
		return nil, err
	}
	key, err := tbl.DecodeRowID(rowID)
	if err != nil {
		return nil, err
	}
	return readRow(ctx, e.local.Conn(), tbl, key)
}

// ListRows returns up to limit live rows of a local table ordered by key.
func (e *Engine) ListRows(ctx context.Context, table string, limit int) ([]registry.Row, error) {
	tbl, err := e.reg.Lookup(table)
	if err != nil {
		return nil, err
	}
	order := make([]string, len(tbl.Key))
	for i, c := range tbl.Key {
		order[i] = registry.QuoteIdent(c)
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s IS NULL ORDER BY %s LIMIT ?",
		registry.QuoteIdent(tbl.Name), registry.QuoteIdent(registry.ColDeletedAt), strings.Join(order, ", "))
	rows, err := e.local.Conn().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", tbl.Name, err)
	}
	defer rows.Close()
	var out []registry.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func readRow(ctx context.Context, q db.Querier, tbl registry.Table, key registry.Key) (registry.Row, error) {
	where, args := keyWhere(key)
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s", registry.QuoteIdent(tbl.Name), where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRow(rows)
}

func scanRow(rows *sql.Rows) (registry.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
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
	return row.Normalize(), nil
}
