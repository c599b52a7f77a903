package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/offsync/internal/registry"
)

// Tenant maps a tenant id to the schema holding its business tables.
type Tenant struct {
	TenantID   string
	SchemaName string
}

// RegisterTenant records a tenant and creates its schema. Re-registering
// with the same schema is a no-op; a different schema is an error.
func (db *ServerDB) RegisterTenant(ctx context.Context, tenantID, schemaName string) error {
	if tenantID == "" {
		return fmt.Errorf("register tenant: empty tenant id")
	}
	if !registry.ValidIdentifier(schemaName) {
		return fmt.Errorf("register tenant %s: invalid schema name %q", tenantID, schemaName)
	}

	return db.do("register tenant", func() error {
		if err := db.dialect.EnsureSchema(ctx, db.conn, schemaName); err != nil {
			return transport("register tenant", err)
		}
		_, err := db.conn.ExecContext(ctx, db.rebind(`
			INSERT INTO tenants (tenant_id, schema_name) VALUES (?, ?)
			ON CONFLICT (tenant_id) DO NOTHING`), tenantID, schemaName)
		if err != nil {
			return transport("register tenant", err)
		}

		var existing string
		err = db.conn.QueryRowContext(ctx, db.rebind(`SELECT schema_name FROM tenants WHERE tenant_id = ?`), tenantID).Scan(&existing)
		if err != nil {
			return transport("register tenant", err)
		}
		if existing != schemaName {
			return fmt.Errorf("tenant %s already mapped to schema %s", tenantID, existing)
		}

		db.mu.Lock()
		db.schemas[tenantID] = schemaName
		db.mu.Unlock()
		return nil
	})
}

// ListTenants returns registered tenants ordered by id.
func (db *ServerDB) ListTenants(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	err := db.do("list tenants", func() error {
		rows, err := db.conn.QueryContext(ctx, `SELECT tenant_id, schema_name FROM tenants ORDER BY tenant_id`)
		if err != nil {
			return transport("list tenants", err)
		}
		defer rows.Close()
		for rows.Next() {
			var t Tenant
			if err := rows.Scan(&t.TenantID, &t.SchemaName); err != nil {
				return transport("list tenants", err)
			}
			tenants = append(tenants, t)
		}
		return transport("list tenants", rows.Err())
	})
	return tenants, err
}

// tenantSchema resolves and caches the schema of a tenant. It runs inside
// a breaker call, so it returns raw transport errors.
func (db *ServerDB) tenantSchema(ctx context.Context, tenantID string) (string, error) {
	db.mu.Lock()
	schema, ok := db.schemas[tenantID]
	db.mu.Unlock()
	if ok {
		return schema, nil
	}

	err := db.conn.QueryRowContext(ctx, db.rebind(`SELECT schema_name FROM tenants WHERE tenant_id = ?`), tenantID).Scan(&schema)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if err != nil {
		return "", transport("resolve tenant", err)
	}
	if !registry.ValidIdentifier(schema) {
		return "", fmt.Errorf("tenant %s: invalid schema name %q", tenantID, schema)
	}
	if err := db.dialect.EnsureSchema(ctx, db.conn, schema); err != nil {
		return "", transport("resolve tenant", err)
	}

	db.mu.Lock()
	db.schemas[tenantID] = schema
	db.mu.Unlock()
	return schema, nil
}

// TenantSchema returns the schema name registered for a tenant.
func (db *ServerDB) TenantSchema(ctx context.Context, tenantID string) (string, error) {
	var schema string
	err := db.do("resolve tenant", func() error {
		var err error
		schema, err = db.tenantSchema(ctx, tenantID)
		return err
	})
	return schema, err
}

// remoteColumns returns the columns of a tenant table, cached per instance.
func (db *ServerDB) remoteColumns(ctx context.Context, q querier, schema, table string) ([]string, error) {
	key := schema + "." + table
	db.mu.Lock()
	cols, ok := db.columns[key]
	db.mu.Unlock()
	if ok {
		return cols, nil
	}
	cols, err := db.dialect.TableColumns(ctx, q, schema, table)
	if err != nil {
		return nil, transport("read columns", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s is not provisioned", key)
	}
	db.mu.Lock()
	db.columns[key] = cols
	db.mu.Unlock()
	return cols, nil
}

func (db *ServerDB) forgetColumns(schema, table string) {
	db.mu.Lock()
	delete(db.columns, schema+"."+table)
	db.mu.Unlock()
}

// EnsureTenantTables adds the sync metadata columns to every registered
// table in the tenant's schema. Missing business tables are reported
// together; they are provisioned by the application's own migrations.
func (db *ServerDB) EnsureTenantTables(ctx context.Context, tenantID string, reg *registry.Registry) error {
	return db.do("ensure tenant tables", func() error {
		schema, err := db.tenantSchema(ctx, tenantID)
		if err != nil {
			return err
		}

		var missing []string
		types := db.dialect.MetaColumnTypes()
		for _, t := range reg.Tables() {
			cols, err := db.dialect.TableColumns(ctx, db.conn, schema, t.Name)
			if err != nil {
				return transport("ensure tenant tables", err)
			}
			if len(cols) == 0 {
				missing = append(missing, t.Name)
				continue
			}
			for _, col := range registry.MetaColumns {
				if err := db.dialect.AddColumnIfMissing(ctx, db.conn, schema, t.Name, col, types[col]); err != nil {
					return transport("add column "+t.Name+"."+col, err)
				}
			}
			db.forgetColumns(schema, t.Name)
		}
		if len(missing) > 0 {
			return fmt.Errorf("tenant %s: tables not provisioned in schema %s: %s",
				tenantID, schema, strings.Join(missing, ", "))
		}
		return nil
	})
}

// ExecTenant runs DDL or DML inside a tenant's schema. Table references
// in stmt must use the {{schema}} placeholder, which is replaced with the
// quoted schema name.
func (db *ServerDB) ExecTenant(ctx context.Context, tenantID, stmt string) error {
	return db.do("exec tenant", func() error {
		schema, err := db.tenantSchema(ctx, tenantID)
		if err != nil {
			return err
		}
		q := strings.ReplaceAll(stmt, "{{schema}}", registry.QuoteIdent(schema))
		if _, err := db.conn.ExecContext(ctx, q); err != nil {
			return transport("exec tenant", err)
		}
		db.mu.Lock()
		for k := range db.columns {
			if strings.HasPrefix(k, schema+".") {
				delete(db.columns, k)
			}
		}
		db.mu.Unlock()
		return nil
	})
}

// ProvisionTenant runs each statement through ExecTenant in order.
func (db *ServerDB) ProvisionTenant(ctx context.Context, tenantID string, stmts []string) error {
	for _, stmt := range stmts {
		if err := db.ExecTenant(ctx, tenantID, stmt); err != nil {
			return err
		}
	}
	return nil
}
