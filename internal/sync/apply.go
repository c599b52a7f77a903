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

// localVersion reads the version of a local row. exists is false when the
// row is absent.
func localVersion(ctx context.Context, q db.Querier, t registry.Table, key registry.Key) (version int64, exists bool, err error) {
	where, args := keyWhere(key)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		registry.QuoteIdent(registry.ColVersion), registry.QuoteIdent(t.Name), where)
	var v sql.NullInt64
	err = q.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read local version %s: %w", t.Name, err)
	}
	return v.Int64, true, nil
}

// upsertLocal inserts row when absent, otherwise updates its non-key columns.
// Columns the local table lacks are dropped.
func upsertLocal(ctx context.Context, q db.Querier, t registry.Table, key registry.Key, row registry.Row, localCols []string, exists bool) error {
	cols := presentColumns(row, localCols)
	if exists {
		var set []string
		var args []any
		for _, c := range cols {
			if t.IsKey(c) {
				continue
			}
			set = append(set, registry.QuoteIdent(c)+" = ?")
			args = append(args, row[c])
		}
		if len(set) == 0 {
			return nil
		}
		where, keyArgs := keyWhere(key)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", registry.QuoteIdent(t.Name), strings.Join(set, ", "), where)
		if _, err := q.ExecContext(ctx, query, append(args, keyArgs...)...); err != nil {
			return fmt.Errorf("update %s: %w", t.Name, err)
		}
		return nil
	}

	colStr, placeholders, vals := buildInsert(row, cols)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", registry.QuoteIdent(t.Name), colStr, placeholders)
	if _, err := q.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("insert %s: %w", t.Name, err)
	}
	return nil
}

// presentColumns returns row's columns that exist locally, sorted.
func presentColumns(row registry.Row, localCols []string) []string {
	have := make(map[string]bool, len(localCols))
	for _, c := range localCols {
		have[c] = true
	}
	var cols []string
	for _, c := range row.Columns() {
		if have[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// buildInsert returns the quoted column list, placeholders and values for cols.
func buildInsert(row registry.Row, cols []string) (colStr, placeholders string, vals []any) {
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	vals = make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = registry.QuoteIdent(c)
		ph[i] = "?"
		vals[i] = row[c]
	}
	return strings.Join(quoted, ", "), strings.Join(ph, ", "), vals
}

func keyWhere(key registry.Key) (string, []any) {
	parts := make([]string, len(key.Columns))
	for i, c := range key.Columns {
		parts[i] = registry.QuoteIdent(c) + " = ?"
	}
	return strings.Join(parts, " AND "), key.Args()
}

// withKey sets the key columns of row from key.
func withKey(row registry.Row, key registry.Key) registry.Row {
	for i, c := range key.Columns {
		row[c] = key.Values[i]
	}
	return row
}

func isNull(row registry.Row, col string) bool {
	v, ok := row[col]
	return !ok || v == nil
}
