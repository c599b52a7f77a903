package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncConflict represents a row from the sync_conflicts table.
type SyncConflict struct {
	ConflictID    string
	OutboxID      string
	TableName     string
	RowID         string
	LocalPayload  string
	RemotePayload string
	LocalVersion  int64
	RemoteVersion *int64 // nil when the remote row was missing
	DetectedAt    time.Time
}

// RecordConflict appends a conflict with a generated id and detection time.
// Conflicts are never resolved or removed here.
func (db *DB) RecordConflict(ctx context.Context, c SyncConflict) (string, error) {
	if c.ConflictID == "" {
		c.ConflictID = uuid.NewString()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}

	var outboxID, remotePayload, remoteVersion any
	if c.OutboxID != "" {
		outboxID = c.OutboxID
	}
	if c.RemotePayload != "" {
		remotePayload = c.RemotePayload
	}
	if c.RemoteVersion != nil {
		remoteVersion = *c.RemoteVersion
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_conflicts (conflict_id, outbox_id, table_name, row_id, local_payload, remote_payload, local_version, remote_version, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConflictID, outboxID, c.TableName, c.RowID, c.LocalPayload, remotePayload,
		c.LocalVersion, remoteVersion, FormatTime(c.DetectedAt),
	)
	if err != nil {
		return "", fmt.Errorf("record conflict %s/%s: %w", c.TableName, c.RowID, err)
	}
	return c.ConflictID, nil
}

const conflictColumns = `conflict_id, COALESCE(outbox_id,''), table_name, row_id, COALESCE(local_payload,'null'),
	COALESCE(remote_payload,'null'), local_version, remote_version, detected_at`

// ErrConflictNotFound is returned by GetConflict.
var ErrConflictNotFound = errors.New("conflict not found")

// ListConflicts returns recorded conflicts, most recent first.
// If since is non-nil, only conflicts after that time are returned.
func (db *DB) ListConflicts(ctx context.Context, limit int, since *time.Time) ([]SyncConflict, error) {
	var rows *sql.Rows
	var err error

	if since != nil {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT `+conflictColumns+`
			FROM sync_conflicts
			WHERE detected_at >= ?
			ORDER BY detected_at DESC
			LIMIT ?
		`, FormatTime(*since), limit)
	} else {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT `+conflictColumns+`
			FROM sync_conflicts
			ORDER BY detected_at DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// GetConflict returns the conflict whose id starts with idPrefix. A prefix
// matching more than one conflict is an error.
func (db *DB) GetConflict(ctx context.Context, idPrefix string) (*SyncConflict, error) {
	if idPrefix == "" {
		return nil, ErrConflictNotFound
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM sync_conflicts
		WHERE substr(conflict_id, 1, ?) = ?
		LIMIT 2`, len(idPrefix), idPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found, err := scanConflicts(rows)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, idPrefix)
	case 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("conflict id %q is ambiguous", idPrefix)
	}
}

func scanConflicts(rows *sql.Rows) ([]SyncConflict, error) {
	var conflicts []SyncConflict
	for rows.Next() {
		var c SyncConflict
		var ts string
		var remoteVersion sql.NullInt64
		if err := rows.Scan(&c.ConflictID, &c.OutboxID, &c.TableName, &c.RowID, &c.LocalPayload,
			&c.RemotePayload, &c.LocalVersion, &remoteVersion, &ts); err != nil {
			return nil, err
		}
		if remoteVersion.Valid {
			v := remoteVersion.Int64
			c.RemoteVersion = &v
		}
		parsed, err := ParseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		c.DetectedAt = parsed
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// CountConflicts returns the number of recorded conflicts for a row.
func (db *DB) CountConflicts(ctx context.Context, table, rowID string) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE table_name = ? AND row_id = ?`, table, rowID).Scan(&n)
	return n, err
}
