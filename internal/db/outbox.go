package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/offsync/internal/registry"
)

// Outbox operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ValidOp reports whether op is a known outbox operation.
func ValidOp(op string) bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// OutboxInput is what the business layer hands to EnqueueOutbox.
type OutboxInput struct {
	Table   string
	RowID   string
	Op      string
	Version int64 // the row's version after this mutation
	Payload registry.Row
	BatchID string
	// CreatedAt defaults to now.
	CreatedAt time.Time
}

// OutboxEntry is one queued local mutation.
type OutboxEntry struct {
	Seq           int64
	OutboxID      string
	BatchID       string
	TenantID      string
	DeviceID      string
	TableName     string
	RowID         string
	Op            string
	Version       int64
	Payload       []byte
	CreatedAt     time.Time
	Attempts      int
	NextAttemptAt *time.Time
	ParkedAt      *time.Time
	LastError     string
}

// EnqueueOutbox appends a mutation to the outbox. It must run in the same
// transaction as the business write it describes. Excluded columns are
// stripped from the payload and the payload's version is set to in.Version.
func EnqueueOutbox(ctx context.Context, q Querier, reg *registry.Registry, in OutboxInput) (string, error) {
	table, err := reg.Lookup(in.Table)
	if err != nil {
		return "", err
	}
	if !ValidOp(in.Op) {
		return "", fmt.Errorf("enqueue %s/%s: unknown op %q", in.Table, in.RowID, in.Op)
	}
	if in.Version < 1 {
		return "", fmt.Errorf("enqueue %s/%s: version must be >= 1, got %d", in.Table, in.RowID, in.Version)
	}
	if _, err := table.DecodeRowID(in.RowID); err != nil {
		return "", err
	}

	tenantID, err := TenantID(ctx, q)
	if err != nil {
		return "", err
	}
	deviceID, err := DeviceID(ctx, q)
	if err != nil {
		return "", err
	}

	payload := table.Sanitize(in.Payload)
	payload[registry.ColVersion] = in.Version
	data, err := payload.Encode()
	if err != nil {
		return "", fmt.Errorf("enqueue %s/%s: encode payload: %w", in.Table, in.RowID, err)
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var batchID any
	if in.BatchID != "" {
		batchID = in.BatchID
	}

	outboxID := uuid.NewString()
	_, err = q.ExecContext(ctx, `
		INSERT INTO sync_outbox (outbox_id, batch_id, tenant_id, device_id, table_name, row_id, op, version, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outboxID, batchID, tenantID, deviceID, table.Name, in.RowID, in.Op, in.Version, string(data), FormatTime(createdAt),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s/%s: %w", in.Table, in.RowID, err)
	}
	return outboxID, nil
}

const outboxColumns = `seq, outbox_id, batch_id, tenant_id, device_id, table_name, row_id, op, version, payload,
	created_at, attempts, next_attempt_at, parked_at, last_error`

// PendingOutbox returns up to limit due, unparked entries for the tenant in
// created_at order. An entry is held back while an older entry for the same
// row is deferred or parked, so a row's mutations never reach the remote
// out of order.
func (db *DB) PendingOutbox(ctx context.Context, tenantID string, limit int, now time.Time) ([]OutboxEntry, error) {
	ts := FormatTime(now)
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM sync_outbox AS e
		WHERE e.tenant_id = ?
		  AND e.parked_at IS NULL
		  AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM sync_outbox AS prev
			WHERE prev.tenant_id = e.tenant_id
			  AND prev.table_name = e.table_name
			  AND prev.row_id = e.row_id
			  AND (prev.created_at < e.created_at OR (prev.created_at = e.created_at AND prev.seq < e.seq))
			  AND (prev.parked_at IS NOT NULL OR prev.next_attempt_at > ?)
		  )
		ORDER BY e.created_at ASC, e.seq ASC
		LIMIT ?`, tenantID, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

// ListOutbox returns queued entries, parked ones included, oldest first.
func (db *DB) ListOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM sync_outbox
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

func scanOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	for rows.Next() {
		var (
			e                     OutboxEntry
			batchID, lastErr      sql.NullString
			createdAt             string
			nextAttempt, parkedAt sql.NullString
			payload               string
		)
		if err := rows.Scan(&e.Seq, &e.OutboxID, &batchID, &e.TenantID, &e.DeviceID, &e.TableName,
			&e.RowID, &e.Op, &e.Version, &payload, &createdAt, &e.Attempts, &nextAttempt, &parkedAt, &lastErr); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		e.BatchID = batchID.String
		e.LastError = lastErr.String
		e.Payload = []byte(payload)

		ts, err := ParseTimestamp(createdAt)
		if err != nil {
			return nil, fmt.Errorf("outbox %s created_at: %w", e.OutboxID, err)
		}
		e.CreatedAt = ts
		if e.NextAttemptAt, err = parseNullTime(nextAttempt); err != nil {
			return nil, fmt.Errorf("outbox %s next_attempt_at: %w", e.OutboxID, err)
		}
		if e.ParkedAt, err = parseNullTime(parkedAt); err != nil {
			return nil, fmt.Errorf("outbox %s parked_at: %w", e.OutboxID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := ParseTimestamp(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteOutbox removes an acknowledged entry. Missing entries are not an error.
func (db *DB) DeleteOutbox(ctx context.Context, outboxID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_outbox WHERE outbox_id = ?`, outboxID); err != nil {
		return fmt.Errorf("delete outbox %s: %w", outboxID, err)
	}
	return nil
}

// DeferOutbox records a failed attempt and hides the entry until nextAttempt.
func (db *DB) DeferOutbox(ctx context.Context, outboxID string, nextAttempt time.Time, reason string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sync_outbox
		SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?
		WHERE outbox_id = ?`, FormatTime(nextAttempt), reason, outboxID)
	if err != nil {
		return fmt.Errorf("defer outbox %s: %w", outboxID, err)
	}
	return nil
}

// ParkOutbox stops an entry from being drained until it is requeued.
func (db *DB) ParkOutbox(ctx context.Context, outboxID string, at time.Time, reason string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sync_outbox
		SET attempts = attempts + 1, parked_at = ?, last_error = ?
		WHERE outbox_id = ?`, FormatTime(at), reason, outboxID)
	if err != nil {
		return fmt.Errorf("park outbox %s: %w", outboxID, err)
	}
	return nil
}

// RequeueOutbox clears the park and backoff state of one entry, or of every
// entry when outboxID is empty. Returns the number of entries touched.
func (db *DB) RequeueOutbox(ctx context.Context, outboxID string) (int64, error) {
	var affected int64
	err := db.withWriteLock(func() error {
		query := `UPDATE sync_outbox SET attempts = 0, next_attempt_at = NULL, parked_at = NULL, last_error = NULL
			WHERE (parked_at IS NOT NULL OR next_attempt_at IS NOT NULL)`
		args := []any{}
		if outboxID != "" {
			query += ` AND outbox_id = ?`
			args = append(args, outboxID)
		}
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("requeue outbox: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// CountOutbox returns the number of queued entries, parked ones included.
func CountOutbox(ctx context.Context, q Querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
