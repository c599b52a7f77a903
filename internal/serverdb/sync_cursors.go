package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	localdb "github.com/marcus/offsync/internal/db"
)

// SyncCursor tracks a device's pull position in a tenant's change log.
type SyncCursor struct {
	DeviceID     string
	TenantID     string
	LastChangeID int64
	UpdatedAt    time.Time
}

// UpsertSyncCursor creates or updates the cursor for a device/tenant pair.
func (db *ServerDB) UpsertSyncCursor(ctx context.Context, deviceID, tenantID string, lastChangeID int64) error {
	return db.do("upsert cursor", func() error {
		_, err := db.conn.ExecContext(ctx, db.rebind(`
			INSERT INTO sync_cursors (device_id, tenant_id, last_change_id, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (device_id, tenant_id)
			DO UPDATE SET last_change_id = excluded.last_change_id, updated_at = excluded.updated_at`),
			deviceID, tenantID, lastChangeID, db.dialect.TimeArg(time.Now()))
		return transport("upsert cursor", err)
	})
}

// GetSyncCursor returns the cursor for a device/tenant pair, or nil if not found.
func (db *ServerDB) GetSyncCursor(ctx context.Context, deviceID, tenantID string) (*SyncCursor, error) {
	var c *SyncCursor
	err := db.do("get cursor", func() error {
		var updated any
		cur := &SyncCursor{}
		err := db.conn.QueryRowContext(ctx, db.rebind(
			`SELECT device_id, tenant_id, last_change_id, updated_at FROM sync_cursors WHERE device_id = ? AND tenant_id = ?`),
			deviceID, tenantID,
		).Scan(&cur.DeviceID, &cur.TenantID, &cur.LastChangeID, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return transport("get cursor", err)
		}
		if cur.UpdatedAt, err = localdb.ScanTime(updated); err != nil {
			return fmt.Errorf("cursor updated_at: %w", err)
		}
		c = cur
		return nil
	})
	return c, err
}

// Device is a registered device of a tenant.
type Device struct {
	DeviceID   string
	TenantID   string
	Name       string
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// TouchDevice records that a device was seen now. An empty name keeps the
// stored one.
func (db *ServerDB) TouchDevice(ctx context.Context, deviceID, tenantID, name string) error {
	return db.do("touch device", func() error {
		now := db.dialect.TimeArg(time.Now())
		_, err := db.conn.ExecContext(ctx, db.rebind(`
			INSERT INTO devices (device_id, tenant_id, name, last_seen_at, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (device_id, tenant_id)
			DO UPDATE SET last_seen_at = excluded.last_seen_at,
				name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE devices.name END`),
			deviceID, tenantID, name, now, now)
		return transport("touch device", err)
	})
}

// ListDevices returns a tenant's devices ordered by last contact, most recent first.
func (db *ServerDB) ListDevices(ctx context.Context, tenantID string) ([]Device, error) {
	var out []Device
	err := db.do("list devices", func() error {
		rows, err := db.conn.QueryContext(ctx, db.rebind(`
			SELECT device_id, tenant_id, name, last_seen_at, created_at
			FROM devices WHERE tenant_id = ?
			ORDER BY last_seen_at DESC, device_id`), tenantID)
		if err != nil {
			return transport("list devices", err)
		}
		defer rows.Close()
		for rows.Next() {
			var d Device
			var seen, created any
			if err := rows.Scan(&d.DeviceID, &d.TenantID, &d.Name, &seen, &created); err != nil {
				return transport("list devices", err)
			}
			if seen != nil {
				ts, err := localdb.ScanTime(seen)
				if err != nil {
					return fmt.Errorf("device %s last_seen_at: %w", d.DeviceID, err)
				}
				d.LastSeenAt = &ts
			}
			if d.CreatedAt, err = localdb.ScanTime(created); err != nil {
				return fmt.Errorf("device %s created_at: %w", d.DeviceID, err)
			}
			out = append(out, d)
		}
		return transport("list devices", rows.Err())
	})
	return out, err
}
