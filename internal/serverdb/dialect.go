package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	localdb "github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/registry"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect isolates the SQL differences between the remote engines.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect interface {
	Name() string
	Rebind(query string) string
	// SharedSchema returns the DDL statements for the tenant-agnostic tables.
	SharedSchema() []string
	// EnsureSchema makes a tenant schema addressable as "<schema>".<table>.
	EnsureSchema(ctx context.Context, conn *sql.DB, schema string) error
	TableColumns(ctx context.Context, q querier, schema, table string) ([]string, error)
	AddColumnIfMissing(ctx context.Context, q querier, schema, table, column, colType string) error
	// MetaColumnTypes maps sync metadata columns to their DDL types.
	MetaColumnTypes() map[string]string
	// LockClause is appended to a SELECT that reads a row about to be updated.
	LockClause() string
	TimeArg(t time.Time) any
}

// Postgres is the production dialect: one schema per tenant.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (Postgres) SharedSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			tenant_id TEXT PRIMARY KEY,
			schema_name TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_change_log (
			change_id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			row_id TEXT NOT NULL,
			op TEXT NOT NULL CHECK (op IN ('insert', 'update', 'delete')),
			version BIGINT NOT NULL,
			changed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			source_device_id TEXT NOT NULL,
			outbox_id TEXT,
			payload JSONB NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_change_log_outbox
			ON sync_change_log (tenant_id, outbox_id) WHERE outbox_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_change_log_tenant_seq ON sync_change_log (tenant_id, change_id)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			device_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			last_change_id BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (device_id, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			last_seen_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (device_id, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS schema_info (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
}

func (Postgres) EnsureSchema(ctx context.Context, conn *sql.DB, schema string) error {
	if _, err := conn.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+registry.QuoteIdent(schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

func (p Postgres) TableColumns(ctx context.Context, q querier, schema, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, p.Rebind(`
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`), schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (Postgres) AddColumnIfMissing(ctx context.Context, q querier, schema, table, column, colType string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		qualify(schema, table), registry.QuoteIdent(column), colType)
	_, err := q.ExecContext(ctx, stmt)
	return err
}

func (Postgres) MetaColumnTypes() map[string]string {
	return map[string]string{
		registry.ColVersion:        "BIGINT NOT NULL DEFAULT 1",
		registry.ColDeletedAt:      "TIMESTAMPTZ",
		registry.ColUpdatedAt:      "TIMESTAMPTZ",
		registry.ColLastModifiedBy: "TEXT",
	}
}

func (Postgres) LockClause() string { return " FOR UPDATE" }

func (Postgres) TimeArg(t time.Time) any { return t.UTC() }

// SQLite serves single-node deployments and tests. Tenant schemas are
// attached databases, so the pool must hold a single connection.
type SQLite struct {
	// Dir holds one file per tenant schema; empty attaches in-memory databases.
	Dir string

	mu       sync.Mutex
	attached map[string]bool
}

func (*SQLite) Name() string { return "sqlite" }

func (*SQLite) Rebind(query string) string { return query }

func (*SQLite) SharedSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			tenant_id TEXT PRIMARY KEY,
			schema_name TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sync_change_log (
			change_id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			row_id TEXT NOT NULL,
			op TEXT NOT NULL CHECK (op IN ('insert', 'update', 'delete')),
			version INTEGER NOT NULL,
			changed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			source_device_id TEXT NOT NULL,
			outbox_id TEXT,
			payload TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_change_log_outbox
			ON sync_change_log (tenant_id, outbox_id) WHERE outbox_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_change_log_tenant_seq ON sync_change_log (tenant_id, change_id)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			device_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			last_change_id INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (device_id, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			last_seen_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (device_id, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS schema_info (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
}

func (s *SQLite) EnsureSchema(ctx context.Context, conn *sql.DB, schema string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached[schema] {
		return nil
	}

	rows, err := conn.QueryContext(ctx, "PRAGMA database_list")
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	found := false
	for rows.Next() {
		var seq int
		var name string
		var file sql.NullString
		if err := rows.Scan(&seq, &name, &file); err != nil {
			rows.Close()
			return fmt.Errorf("scan database list: %w", err)
		}
		if name == schema {
			found = true
		}
	}
	rows.Close()

	if !found {
		path := ":memory:"
		if s.Dir != "" {
			path = filepath.Join(s.Dir, schema+".db")
		}
		if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+registry.QuoteIdent(schema), path); err != nil {
			return fmt.Errorf("attach schema %s: %w", schema, err)
		}
	}
	if s.attached == nil {
		s.attached = make(map[string]bool)
	}
	s.attached[schema] = true
	return nil
}

func (*SQLite) TableColumns(ctx context.Context, q querier, schema, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA %s.table_info(%s)",
		registry.QuoteIdent(schema), registry.QuoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   sql.NullString
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func (s *SQLite) AddColumnIfMissing(ctx context.Context, q querier, schema, table, column, colType string) error {
	cols, err := s.TableColumns(ctx, q, schema, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if c == column {
			return nil
		}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		qualify(schema, table), registry.QuoteIdent(column), colType)
	_, err = q.ExecContext(ctx, stmt)
	return err
}

func (*SQLite) MetaColumnTypes() map[string]string {
	return map[string]string{
		registry.ColVersion:        "INTEGER NOT NULL DEFAULT 1",
		registry.ColDeletedAt:      "TEXT",
		registry.ColUpdatedAt:      "TEXT",
		registry.ColLastModifiedBy: "TEXT",
	}
}

func (*SQLite) LockClause() string { return "" }

func (*SQLite) TimeArg(t time.Time) any { return localdb.FormatTime(t) }

// qualify renders "schema"."table" from validated identifiers.
func qualify(schema, table string) string {
	return registry.QuoteIdent(schema) + "." + registry.QuoteIdent(table)
}
