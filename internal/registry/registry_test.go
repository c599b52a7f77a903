package registry

import (
	"errors"
	"testing"
)

func TestLookup_RejectsUnknownTable(t *testing.T) {
	reg := Default()

	if _, err := reg.Lookup("products"); err != nil {
		t.Fatalf("lookup products: %v", err)
	}
	for _, name := range []string{"users", "products; DROP TABLE products", "", "Products"} {
		_, err := reg.Lookup(name)
		if !errors.Is(err, ErrTableNotAllowed) {
			t.Errorf("lookup %q: got %v, want ErrTableNotAllowed", name, err)
		}
	}
}

func TestNew_RejectsBadIdentifiers(t *testing.T) {
	cases := []Table{
		{Name: "bad-name", Key: []string{"id"}, Columns: []string{"id"}},
		{Name: "t", Key: []string{"id"}, Columns: []string{"id", "x y"}},
		{Name: "t", Key: nil, Columns: []string{"id"}},
		{Name: "t", Key: []string{"id"}, Columns: []string{"name"}},
		{Name: "t", Key: []string{"id"}, Columns: []string{"id"}, Excluded: []string{"id"}},
	}
	for i, tc := range cases {
		if _, err := New(tc); err == nil {
			t.Errorf("case %d: expected error for %+v", i, tc)
		}
	}

	if _, err := New(Table{Name: "a", Key: []string{"id"}, Columns: []string{"id"}},
		Table{Name: "a", Key: []string{"id"}, Columns: []string{"id"}}); err == nil {
		t.Error("expected duplicate table error")
	}
}

func TestFilter_DropsUnregistered(t *testing.T) {
	reg := Default()
	got := reg.Filter([]string{"products", "nope", "invoices", "products"})
	if len(got) != 2 || got[0] != "products" || got[1] != "invoices" {
		t.Fatalf("filter: got %v", got)
	}
}

func TestSanitize_StripsExcludedAndUnknown(t *testing.T) {
	reg := Default()
	products, _ := reg.Lookup("products")

	row := Row{
		"id":             "p1",
		"name":           "Coffee",
		"price":          int64(350),
		"stock_quantity": int64(12),
		"secret":         "x",
		"version":        int64(2),
		"deleted_at":     nil,
	}
	got := products.Sanitize(row)

	if _, ok := got["stock_quantity"]; ok {
		t.Error("stock_quantity should be stripped")
	}
	if _, ok := got["secret"]; ok {
		t.Error("undeclared column should be stripped")
	}
	for _, col := range []string{"id", "name", "price", "version", "deleted_at"} {
		if _, ok := got[col]; !ok {
			t.Errorf("column %q missing after sanitize", col)
		}
	}
	if _, ok := row["stock_quantity"]; !ok {
		t.Error("sanitize must not mutate its input")
	}
}

func TestRowID_SingleKey(t *testing.T) {
	products, _ := Default().Lookup("products")

	id, err := products.RowID(Row{"id": "p1", "name": "x"})
	if err != nil {
		t.Fatalf("row id: %v", err)
	}
	if id != "p1" {
		t.Fatalf("got %q, want p1", id)
	}

	key, err := products.DecodeRowID(id)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(key.Values) != 1 || key.Values[0] != "p1" {
		t.Fatalf("decoded key: %+v", key)
	}

	if _, err := products.RowID(Row{"name": "x"}); !errors.Is(err, ErrInvalidRowID) {
		t.Fatalf("missing key: got %v, want ErrInvalidRowID", err)
	}
}

func TestRowID_CompositeKeyOrder(t *testing.T) {
	items, _ := Default().Lookup("invoice_items")

	id, err := items.RowID(Row{"line_no": int64(3), "invoice_id": "inv-1", "quantity": 2})
	if err != nil {
		t.Fatalf("row id: %v", err)
	}
	want := `{"invoice_id":"inv-1","line_no":3}`
	if id != want {
		t.Fatalf("got %s, want %s", id, want)
	}

	key, err := items.DecodeRowID(id)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if key.Columns[0] != "invoice_id" || key.Columns[1] != "line_no" {
		t.Fatalf("key columns: %v", key.Columns)
	}
	if key.Values[0] != "inv-1" || key.Values[1] != int64(3) {
		t.Fatalf("key values: %#v", key.Values)
	}
}

func TestDecodeRowID_Invalid(t *testing.T) {
	items, _ := Default().Lookup("invoice_items")

	cases := []string{
		"",
		"not json",
		`{"invoice_id":"inv-1"}`,
		`{"invoice_id":"inv-1","line_no":1,"extra":2}`,
		`{"invoice_id":"inv-1","other":1}`,
		`{"invoice_id":null,"line_no":1}`,
	}
	for _, id := range cases {
		if _, err := items.DecodeRowID(id); !errors.Is(err, ErrInvalidRowID) {
			t.Errorf("decode %q: got %v, want ErrInvalidRowID", id, err)
		}
	}
}

func TestDecodeRow_Numbers(t *testing.T) {
	row, err := DecodeRow([]byte(`{"version":2,"price":3.5,"tags":["a"],"name":"x"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if row["version"] != int64(2) {
		t.Errorf("version: got %#v", row["version"])
	}
	if row["price"] != 3.5 {
		t.Errorf("price: got %#v", row["price"])
	}
	if row["tags"] != `["a"]` {
		t.Errorf("tags: got %#v", row["tags"])
	}
	if v, ok := row.Int64("version"); !ok || v != 2 {
		t.Errorf("Int64(version) = %d, %v", v, ok)
	}

	if _, err := DecodeRow([]byte(`[1,2]`)); err == nil {
		t.Error("expected error for non-object")
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := QuoteIdent("products"); got != `"products"` {
		t.Fatalf("got %s", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for invalid identifier")
		}
	}()
	QuoteIdent(`x"; DROP`)
}
