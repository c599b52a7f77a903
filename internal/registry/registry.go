// Package registry holds the closed allow-list of syncable tables: their
// primary-key shape, replicated columns, and columns excluded from
// cross-device propagation. Every table or column name that reaches a
// dynamic SQL statement must come out of a Registry lookup.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	// ErrTableNotAllowed is returned for any table name outside the registry.
	ErrTableNotAllowed = errors.New("table not allowed")
	// ErrInvalidRowID is returned when a row id does not match the table's key shape.
	ErrInvalidRowID = errors.New("invalid row id")
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Sync metadata columns carried by every syncable row.
const (
	ColVersion        = "version"
	ColDeletedAt      = "deleted_at"
	ColUpdatedAt      = "updated_at"
	ColLastModifiedBy = "last_modified_by_device_id"
)

// MetaColumns lists the sync metadata columns in a stable order.
var MetaColumns = []string{ColVersion, ColDeletedAt, ColUpdatedAt, ColLastModifiedBy}

// Table describes one syncable table.
type Table struct {
	Name     string
	Key      []string // ordered primary-key columns
	Columns  []string // replicated business columns, key columns included
	Excluded []string // columns that never leave the device
}

// Registry is an immutable set of syncable tables.
type Registry struct {
	tables map[string]Table
	order  []string
}

// New validates the table definitions and builds a Registry.
// Tables keep the order given, which callers treat as parent-first.
func New(tables ...Table) (*Registry, error) {
	r := &Registry{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.tables[t.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate table %q", t.Name)
		}
		r.tables[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

// MustNew is New for static definitions.
func MustNew(tables ...Table) *Registry {
	r, err := New(tables...)
	if err != nil {
		panic(err)
	}
	return r
}

func (t Table) validate() error {
	if !validIdentifier.MatchString(t.Name) {
		return fmt.Errorf("registry: invalid table name %q", t.Name)
	}
	if len(t.Key) == 0 {
		return fmt.Errorf("registry: table %q has no key columns", t.Name)
	}
	for _, group := range [][]string{t.Key, t.Columns, t.Excluded} {
		for _, c := range group {
			if !validIdentifier.MatchString(c) {
				return fmt.Errorf("registry: table %q: invalid column name %q", t.Name, c)
			}
		}
	}
	for _, k := range t.Key {
		if !slices.Contains(t.Columns, k) {
			return fmt.Errorf("registry: table %q: key column %q not declared", t.Name, k)
		}
		if slices.Contains(t.Excluded, k) {
			return fmt.Errorf("registry: table %q: key column %q cannot be excluded", t.Name, k)
		}
	}
	return nil
}

// Lookup returns the table definition or ErrTableNotAllowed.
func (r *Registry) Lookup(name string) (Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrTableNotAllowed, name)
	}
	return t, nil
}

// Has reports whether name is a registered table.
func (r *Registry) Has(name string) bool {
	_, ok := r.tables[name]
	return ok
}

// Names returns table names in registration (parent-first) order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Tables returns table definitions in registration order.
func (r *Registry) Tables() []Table {
	out := make([]Table, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tables[n])
	}
	return out
}

// Filter keeps the registered names from tables, dropping the rest.
// Order and duplicates follow the input.
func (r *Registry) Filter(tables []string) []string {
	var out []string
	for _, t := range tables {
		if r.Has(t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// IsExcluded reports whether col is excluded from propagation.
func (t Table) IsExcluded(col string) bool {
	return slices.Contains(t.Excluded, col)
}

// Replicates reports whether col travels between devices.
func (t Table) Replicates(col string) bool {
	if t.IsExcluded(col) {
		return false
	}
	return slices.Contains(t.Columns, col) || slices.Contains(MetaColumns, col)
}

// IsKey reports whether col is part of the primary key.
func (t Table) IsKey(col string) bool {
	return slices.Contains(t.Key, col)
}

// AllColumns returns declared columns followed by the sync metadata columns.
func (t Table) AllColumns() []string {
	out := slices.Clone(t.Columns)
	for _, m := range MetaColumns {
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// Sanitize returns a copy of row holding only replicated columns.
func (t Table) Sanitize(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if t.Replicates(k) {
			out[k] = v
		}
	}
	return out
}

// QuoteIdent quotes a validated SQL identifier.
// It panics on names that bypassed registry validation.
func QuoteIdent(name string) string {
	if !validIdentifier.MatchString(name) {
		panic(fmt.Sprintf("registry: unvalidated identifier %q", name))
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ValidIdentifier reports whether name is safe to splice into SQL once quoted.
func ValidIdentifier(name string) bool {
	return validIdentifier.MatchString(name)
}
