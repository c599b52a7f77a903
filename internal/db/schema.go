package db

// SchemaVersion is the current local sync schema version
const SchemaVersion = 2

const schema = `
-- Scalar sync metadata: device_id, tenant_id, last_change_id, bootstrap_complete
CREATE TABLE IF NOT EXISTS sync_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Mutations awaiting remote acceptance, drained by created_at
CREATE TABLE IF NOT EXISTS sync_outbox (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    outbox_id TEXT NOT NULL UNIQUE,
    batch_id TEXT,
    tenant_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    table_name TEXT NOT NULL,
    row_id TEXT NOT NULL,
    op TEXT NOT NULL CHECK(op IN ('insert', 'update', 'delete')),
    version INTEGER NOT NULL CHECK(version >= 1),
    payload TEXT NOT NULL,
    created_at TEXT NOT NULL
);

-- Unresolved version clashes, append-only
CREATE TABLE IF NOT EXISTS sync_conflicts (
    conflict_id TEXT PRIMARY KEY,
    outbox_id TEXT,
    table_name TEXT NOT NULL,
    row_id TEXT NOT NULL,
    local_payload TEXT,
    remote_payload TEXT,
    local_version INTEGER NOT NULL,
    remote_version INTEGER,
    detected_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_created ON sync_outbox(created_at, seq);
CREATE INDEX IF NOT EXISTS idx_conflicts_detected ON sync_conflicts(detected_at);
`

// Migration upgrades a local replica by one schema version. Present, when
// set, reports that the change already exists and only the version is
// recorded.
type Migration struct {
	Version     int
	Description string
	SQL         string
	Present     func(db *DB) (bool, error)
}

// Migrations lists local migrations in order; version 1 is the baseline.
var Migrations = []Migration{
	{
		Version:     2,
		Description: "conflict aging columns on sync_outbox",
		Present: func(db *DB) (bool, error) {
			return db.columnExists("sync_outbox", "attempts")
		},
		SQL: `ALTER TABLE sync_outbox ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sync_outbox ADD COLUMN next_attempt_at TEXT;
ALTER TABLE sync_outbox ADD COLUMN parked_at TEXT;
ALTER TABLE sync_outbox ADD COLUMN last_error TEXT;
CREATE INDEX IF NOT EXISTS idx_outbox_due ON sync_outbox(parked_at, next_attempt_at);`,
	},
}
