package serverdb

// ServerSchemaVersion is the current shared schema version.
const ServerSchemaVersion = 2

// Migration is a shared-schema migration. SQL must be valid for every dialect.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations lists shared-schema migrations in order. Version 1 is the
// baseline created by the dialect's SharedSchema.
var Migrations = []Migration{
	{
		Version:     2,
		Description: "index change log by row",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_change_log_row ON sync_change_log (tenant_id, table_name, row_id)`,
	},
}
