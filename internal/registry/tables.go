package registry

// RepresentativeTable is probed to decide whether a local store is empty.
const RepresentativeTable = "products"

// Default returns the application's syncable tables, parents before children.
//
// products.stock_quantity is re-derived on each device from its own
// inventory_movements and is never replicated.
func Default() *Registry {
	return MustNew(
		Table{
			Name:    "categories",
			Key:     []string{"id"},
			Columns: []string{"id", "name", "parent_id", "created_at"},
		},
		Table{
			Name: "products",
			Key:  []string{"id"},
			Columns: []string{
				"id", "sku", "name", "category_id", "price", "cost",
				"tax_rate", "barcode", "active", "stock_quantity", "created_at",
			},
			Excluded: []string{"stock_quantity"},
		},
		Table{
			Name:    "customers",
			Key:     []string{"id"},
			Columns: []string{"id", "name", "email", "phone", "tax_id", "created_at"},
		},
		Table{
			Name:    "employees",
			Key:     []string{"id"},
			Columns: []string{"id", "name", "role", "email", "active", "created_at"},
		},
		Table{
			Name: "invoices",
			Key:  []string{"id"},
			Columns: []string{
				"id", "number", "customer_id", "employee_id", "status",
				"subtotal", "tax_total", "total", "issued_at", "created_at",
			},
		},
		Table{
			Name: "invoice_items",
			Key:  []string{"invoice_id", "line_no"},
			Columns: []string{
				"invoice_id", "line_no", "product_id", "quantity",
				"unit_price", "discount", "total", "created_at",
			},
		},
		Table{
			Name:    "payments",
			Key:     []string{"id"},
			Columns: []string{"id", "invoice_id", "method", "amount", "paid_at", "created_at"},
		},
		Table{
			Name:    "inventory_movements",
			Key:     []string{"id"},
			Columns: []string{"id", "product_id", "quantity_delta", "reason", "reference_id", "created_at"},
		},
	)
}
