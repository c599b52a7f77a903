package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// columnExists checks whether a column exists on a table
func (db *DB) columnExists(table, column string) (bool, error) {
	cols, err := TableColumns(context.Background(), db.conn, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if c == column {
			return true, nil
		}
	}
	return false, nil
}

// TableColumns lists a local table's columns via PRAGMA table_info.
// The caller must pass a registry-validated table name.
func TableColumns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     sql.NullString
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func (db *DB) tableExists(table string) (bool, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	return n > 0, err
}

// GetSchemaVersion returns the recorded local schema version, 0 when the
// schema_info table is missing or empty.
func (db *DB) GetSchemaVersion() (int, error) {
	var raw string
	if err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&raw); err != nil {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("schema version %q: %w", raw, err)
	}
	return v, nil
}

func setSchemaVersion(ctx context.Context, q Querier, version int) error {
	_, err := q.ExecContext(ctx, "INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)", strconv.Itoa(version))
	return err
}

// RunMigrations creates the sync tables and brings an older replica up to
// SchemaVersion. It returns the number of migrations recorded.
func (db *DB) RunMigrations() (int, error) {
	if v, _ := db.GetSchemaVersion(); v >= SchemaVersion {
		return 0, nil
	}
	var n int
	err := db.withWriteLock(func() error {
		var err error
		n, err = db.migrate(context.Background())
		return err
	})
	return n, err
}

func (db *DB) migrate(ctx context.Context) (int, error) {
	existed, err := db.tableExists("sync_outbox")
	if err != nil {
		return 0, fmt.Errorf("probe sync_outbox: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}
	current, err := db.GetSchemaVersion()
	if err != nil {
		return 0, err
	}
	if !existed && current == 0 {
		current = 1
	}

	applied := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		// A fresh baseline may already contain what a migration adds.
		present := false
		if m.Present != nil {
			if present, err = m.Present(db); err != nil {
				return applied, fmt.Errorf("migration %d probe: %w", m.Version, err)
			}
		}
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if !present {
				if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
					return err
				}
			}
			return setSchemaVersion(ctx, tx, m.Version)
		})
		if err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		applied++
	}
	return applied, setSchemaVersion(ctx, db.conn, SchemaVersion)
}

// inTx runs fn in a transaction without taking the write lock; callers
// already hold it.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ApplyDDL executes statements in order inside one transaction. It is used
// to create the application's business tables next to the sync tables.
func (db *DB) ApplyDDL(ctx context.Context, stmts []string) error {
	return db.withWriteLock(func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("apply ddl: %w", err)
				}
			}
			return nil
		})
	})
}
