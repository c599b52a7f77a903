package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"time"
)

// Row is a column-name to value map for one syncable row.
type Row map[string]any

// DecodeRow parses a JSON object into a Row. Integral numbers become int64,
// other numbers float64, nested arrays/objects are kept as JSON text.
func DecodeRow(data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode row: not an object")
	}
	row := make(Row, len(raw))
	for k, v := range raw {
		row[k] = normalizeJSONValue(v)
	}
	return row, nil
}

// Encode marshals the row with normalized values.
func (r Row) Encode() ([]byte, error) {
	return json.Marshal(r.Normalize())
}

// Normalize converts driver values into JSON-friendly scalars:
// []byte becomes string, time.Time becomes RFC3339Nano UTC text.
func (r Row) Normalize() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = normalizeDBValue(v)
	}
	return out
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the row's column names sorted.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Int64 reads an integer column, accepting the numeric shapes drivers return.
func (r Row) Int64(col string) (int64, bool) {
	return toInt64(r[col])
}

func normalizeJSONValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any, map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(data)
	default:
		return val
	}
}

func normalizeDBValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case json.RawMessage:
		return string(val)
	default:
		return val
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Key is a decoded primary key: key column to value, in the table's key order.
type Key struct {
	Columns []string
	Values  []any
}

// Args returns the key values for use as query arguments.
func (k Key) Args() []any {
	return slices.Clone(k.Values)
}

// RowID encodes the key of row for this table. Single-column keys encode
// as the scalar's text; composite keys as a JSON object in key order.
func (t Table) RowID(row Row) (string, error) {
	vals := make([]any, len(t.Key))
	for i, k := range t.Key {
		v, ok := row[k]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: %s missing key column %q", ErrInvalidRowID, t.Name, k)
		}
		vals[i] = normalizeDBValue(v)
	}
	return t.encodeKey(vals)
}

func (t Table) encodeKey(vals []any) (string, error) {
	if len(t.Key) == 1 {
		return fmt.Sprint(vals[0]), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range t.Key {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		val, err := json.Marshal(vals[i])
		if err != nil {
			return "", fmt.Errorf("%w: %s.%s: %v", ErrInvalidRowID, t.Name, k, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

// DecodeRowID parses a row id against the table's key shape.
func (t Table) DecodeRowID(rowID string) (Key, error) {
	if rowID == "" {
		return Key{}, fmt.Errorf("%w: %s: empty", ErrInvalidRowID, t.Name)
	}
	if len(t.Key) == 1 {
		return Key{Columns: slices.Clone(t.Key), Values: []any{rowID}}, nil
	}
	fields, err := DecodeRow([]byte(rowID))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s: %v", ErrInvalidRowID, t.Name, err)
	}
	if len(fields) != len(t.Key) {
		return Key{}, fmt.Errorf("%w: %s: want columns %v, got %v", ErrInvalidRowID, t.Name, t.Key, fields.Columns())
	}
	key := Key{Columns: slices.Clone(t.Key), Values: make([]any, len(t.Key))}
	for i, k := range t.Key {
		v, ok := fields[k]
		if !ok || v == nil {
			return Key{}, fmt.Errorf("%w: %s: missing key column %q", ErrInvalidRowID, t.Name, k)
		}
		key.Values[i] = v
	}
	return key, nil
}
