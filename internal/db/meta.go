package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Local metadata keys.
const (
	MetaDeviceID          = "device_id"
	MetaTenantID          = "tenant_id"
	MetaLastChangeID      = "last_change_id"
	MetaBootstrapComplete = "bootstrap_complete"
)

var (
	// ErrMissingTenantID means no active tenant is configured locally.
	ErrMissingTenantID = errors.New("missing tenant id")
	// ErrMissingDeviceID means the local store was never given a device id.
	ErrMissingDeviceID = errors.New("missing device id")
)

// GetMeta reads a metadata value. ok is false when the key is absent.
func GetMeta(ctx context.Context, q Querier, key string) (value string, ok bool, err error) {
	err = q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a metadata value.
func SetMeta(ctx context.Context, q Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// EnsureDeviceID returns the persisted device id, generating one on first call.
func (db *DB) EnsureDeviceID(ctx context.Context) (string, error) {
	id, ok, err := GetMeta(ctx, db.conn, MetaDeviceID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}

	err = db.withWriteLock(func() error {
		// INSERT OR IGNORE keeps the first id if another writer raced us
		if _, err := db.conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO sync_meta (key, value) VALUES (?, ?)`,
			MetaDeviceID, uuid.NewString()); err != nil {
			return fmt.Errorf("persist device id: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	id, _, err = GetMeta(ctx, db.conn, MetaDeviceID)
	return id, err
}

// DeviceID returns the persisted device id or ErrMissingDeviceID.
func DeviceID(ctx context.Context, q Querier) (string, error) {
	id, ok, err := GetMeta(ctx, q, MetaDeviceID)
	if err != nil {
		return "", err
	}
	if !ok || id == "" {
		return "", ErrMissingDeviceID
	}
	return id, nil
}

// GetTenantID returns the active tenant or ErrMissingTenantID.
func (db *DB) GetTenantID(ctx context.Context) (string, error) {
	return TenantID(ctx, db.conn)
}

// TenantID is GetTenantID against any Querier.
func TenantID(ctx context.Context, q Querier) (string, error) {
	id, ok, err := GetMeta(ctx, q, MetaTenantID)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(id) == "" {
		return "", ErrMissingTenantID
	}
	return id, nil
}

// SetTenantID stores the active tenant.
func (db *DB) SetTenantID(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrMissingTenantID
	}
	return db.withWriteLock(func() error {
		return SetMeta(ctx, db.conn, MetaTenantID, tenantID)
	})
}

// LastChangeID returns the local pull cursor, 0 if never synced.
func LastChangeID(ctx context.Context, q Querier) (int64, error) {
	v, ok, err := GetMeta(ctx, q, MetaLastChangeID)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", MetaLastChangeID, v, err)
	}
	return n, nil
}

// SetLastChangeID stores the local pull cursor.
func SetLastChangeID(ctx context.Context, q Querier, id int64) error {
	return SetMeta(ctx, q, MetaLastChangeID, strconv.FormatInt(id, 10))
}

// BootstrapComplete reports whether the completion marker is set.
func BootstrapComplete(ctx context.Context, q Querier) (bool, error) {
	v, ok, err := GetMeta(ctx, q, MetaBootstrapComplete)
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

// MarkBootstrapComplete sets the completion marker.
func MarkBootstrapComplete(ctx context.Context, q Querier) error {
	return SetMeta(ctx, q, MetaBootstrapComplete, "1")
}

// ClearBootstrapComplete removes the completion marker so the next cycle
// re-provisions from a snapshot.
func (db *DB) ClearBootstrapComplete(ctx context.Context) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, MetaBootstrapComplete)
		return err
	})
}

// SyncState is a point-in-time view of local sync metadata.
type SyncState struct {
	DeviceID          string
	TenantID          string
	LastChangeID      int64
	BootstrapComplete bool
	PendingOutbox     int64
	ParkedOutbox      int64
	Conflicts         int64
}

// GetSyncState collects local sync metadata for status reporting.
func (db *DB) GetSyncState(ctx context.Context) (*SyncState, error) {
	var s SyncState
	var err error

	if s.DeviceID, _, err = GetMeta(ctx, db.conn, MetaDeviceID); err != nil {
		return nil, err
	}
	if s.TenantID, _, err = GetMeta(ctx, db.conn, MetaTenantID); err != nil {
		return nil, err
	}
	if s.LastChangeID, err = LastChangeID(ctx, db.conn); err != nil {
		return nil, err
	}
	if s.BootstrapComplete, err = BootstrapComplete(ctx, db.conn); err != nil {
		return nil, err
	}
	err = db.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN parked_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN parked_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM sync_outbox`).Scan(&s.PendingOutbox, &s.ParkedOutbox)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts`).Scan(&s.Conflicts); err != nil {
		return nil, fmt.Errorf("count conflicts: %w", err)
	}
	return &s, nil
}
