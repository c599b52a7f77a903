// Package appschema holds the DDL of the point-of-sale tables registered in
// registry.Default, for the local replica and for tenant schemas.
package appschema

import (
	"regexp"
	"strings"
)

// Remote statements reference tables as {{schema}}.<table>.
const SchemaPlaceholder = "{{schema}}"

type types struct {
	money, ts, boolean string
}

var (
	sqliteTypes   = types{money: "REAL", ts: "TEXT", boolean: "INTEGER"}
	postgresTypes = types{money: "DOUBLE PRECISION", ts: "TIMESTAMPTZ", boolean: "INTEGER"}
)

const tableDDL = `
CREATE TABLE IF NOT EXISTS {{p}}categories (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    parent_id TEXT REFERENCES {{p}}categories(id),
    created_at {{ts}},
    {{meta}}
);
CREATE TABLE IF NOT EXISTS {{p}}products (
    id TEXT PRIMARY KEY,
    sku TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    category_id TEXT REFERENCES {{p}}categories(id),
    price {{money}} NOT NULL DEFAULT 0,
    cost {{money}} NOT NULL DEFAULT 0,
    tax_rate {{money}} NOT NULL DEFAULT 0,
    barcode TEXT,
    active {{bool}} NOT NULL DEFAULT 1,
    stock_quantity INTEGER NOT NULL DEFAULT 0,
    created_at {{ts}},
    {{meta}}
);
CREATE TABLE IF NOT EXISTS {{p}}customers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT,
    phone TEXT,
    tax_id TEXT,
    created_at {{ts}},
    {{meta}}
);
CREATE TABLE IF NOT EXISTS {{p}}employees (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'cashier',
    email TEXT,
    active {{bool}} NOT NULL DEFAULT 1,
    created_at {{ts}},
    {{meta}}
);
CREATE TABLE IF NOT EXISTS {{p}}invoices (
    id TEXT PRIMARY KEY,
    number TEXT NOT NULL,
    customer_id TEXT REFERENCES {{p}}customers(id),
    employee_id TEXT REFERENCES {{p}}employees(id),
    status TEXT NOT NULL DEFAULT 'open',
    subtotal {{money}} NOT NULL DEFAULT 0,
    tax_total {{money}} NOT NULL DEFAULT 0,
    total {{money}} NOT NULL DEFAULT 0,
    issued_at {{ts}},
    created_at {{ts}},
    {{meta}}
);
CREATE TABLE IF NOT EXISTS {{p}}invoice_items (
    invoice_id TEXT NOT NULL REFERENCES {{p}}invoices(id),
    line_no INTEGER NOT NULL,
    product_id TEXT REFERENCES {{p}}products(id),
    quantity {{money}} NOT NULL DEFAULT 1,
    unit_price {{money}} NOT NULL DEFAULT 0,
    discount {{money}} NOT NULL DEFAULT 0,
    total {{money}} NOT NULL DEFAULT 0,
    created_at {{ts}},
    {{meta}},
    PRIMARY KEY (invoice_id, line_no)
);
CREATE TABLE IF NOT EXISTS {{p}}payments (
    id TEXT PRIMARY KEY,
    invoice_id TEXT REFERENCES {{p}}invoices(id),
    method TEXT NOT NULL,
    amount {{money}} NOT NULL,
    paid_at {{ts}},
    created_at {{ts}},
    {{meta}}
);
CREATE TABLE IF NOT EXISTS {{p}}inventory_movements (
    id TEXT PRIMARY KEY,
    product_id TEXT REFERENCES {{p}}products(id),
    quantity_delta INTEGER NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    reference_id TEXT,
    created_at {{ts}},
    {{meta}}
)`

const metaDDL = `version INTEGER NOT NULL DEFAULT 1,
    deleted_at {{ts}},
    updated_at {{ts}},
    last_modified_by_device_id TEXT`

// Tenant tables carry no foreign keys: pushes from different devices may
// land a child before its parent.
var referenceClause = regexp.MustCompile(` REFERENCES \{\{p\}\}\w+\(\w+\)`)

func render(prefix string, t types, withRefs bool) []string {
	s := strings.ReplaceAll(tableDDL, "{{meta}}", metaDDL)
	if !withRefs {
		s = referenceClause.ReplaceAllString(s, "")
	}
	s = strings.NewReplacer(
		"{{p}}", prefix,
		"{{ts}}", t.ts,
		"{{money}}", t.money,
		"{{bool}}", t.boolean,
	).Replace(s)

	var out []string
	for _, stmt := range strings.Split(s, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Local returns the SQLite DDL for the business tables of a local replica.
func Local() []string {
	return render("", sqliteTypes, true)
}

// Remote returns the DDL for a tenant schema. dialect is "postgres" or
// "sqlite". Table names are prefixed with SchemaPlaceholder.
func Remote(dialect string) []string {
	t := sqliteTypes
	if dialect == "postgres" {
		t = postgresTypes
	}
	return render(SchemaPlaceholder+".", t, false)
}
