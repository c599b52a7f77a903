package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/registry"
	"golang.org/x/sync/errgroup"
)

// ErrPendingOutbox is returned by Bootstrap when local mutations have not
// been pushed yet; a snapshot would discard them.
var ErrPendingOutbox = errors.New("outbox has pending entries")

// NeedsBootstrap reports whether the local store has never been populated:
// no completion marker, an empty representative table and an empty outbox.
func (e *Engine) NeedsBootstrap(ctx context.Context) (bool, error) {
	conn := e.local.Conn()
	done, err := db.BootstrapComplete(ctx, conn)
	if err != nil || done {
		return false, err
	}
	hasRows, err := tableHasRows(ctx, conn, e.representativeTable())
	if err != nil || hasRows {
		return false, err
	}
	pending, err := db.CountOutbox(ctx, conn)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

func (e *Engine) representativeTable() string {
	if e.reg.Has(registry.RepresentativeTable) {
		return registry.RepresentativeTable
	}
	names := e.reg.Names()
	if len(names) == 0 {
		return registry.RepresentativeTable
	}
	return names[0]
}

func tableHasRows(ctx context.Context, q db.Querier, table string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", registry.QuoteIdent(table))).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", table, err)
	}
	return true, nil
}

// BootstrapIfNeeded runs Bootstrap when NeedsBootstrap is true.
func (e *Engine) BootstrapIfNeeded(ctx context.Context) (bool, error) {
	if _, _, err := e.identity(ctx); err != nil {
		return false, err
	}
	need, err := e.NeedsBootstrap(ctx)
	if err != nil || !need {
		return false, err
	}
	if err := e.Bootstrap(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Bootstrap replaces every registered local table with a snapshot of the
// tenant's remote tables and moves the cursor to the change-log head read
// before the snapshot. Changes committed during the snapshot are pulled
// again later, which is harmless.
func (e *Engine) Bootstrap(ctx context.Context) (err error) {
	tenantID, deviceID, err := e.identity(ctx)
	if err != nil {
		return err
	}
	pending, err := db.CountOutbox(ctx, e.local.Conn())
	if err != nil {
		return err
	}
	if pending > 0 {
		return fmt.Errorf("%w: %d entries", ErrPendingOutbox, pending)
	}

	start := e.now()
	defer func() {
		e.metrics.observe(ctx, "bootstrap", tenantID, e.now().Sub(start).Seconds(), err)
	}()
	log := e.log.With("tenant", tenantID)
	log.Info("bootstrap starting")

	if err = e.EnsureSchema(ctx); err != nil {
		return err
	}
	head, err := e.remote.MaxChangeID(ctx, tenantID)
	if err != nil {
		return err
	}

	tables := e.reg.Tables()
	snapshots, err := e.fetchSnapshots(ctx, tenantID, tables)
	if err != nil {
		return err
	}

	now := db.FormatTime(e.now())
	total := 0
	err = e.local.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
			return fmt.Errorf("defer foreign keys: %w", err)
		}
		// Children first on delete, parents first on insert.
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+registry.QuoteIdent(tables[i].Name)); err != nil {
				return fmt.Errorf("clear %s: %w", tables[i].Name, err)
			}
		}
		for i, t := range tables {
			cols, err := e.localColumns(ctx, tx, t.Name)
			if err != nil {
				return err
			}
			for _, remote := range snapshots[i] {
				row := mapSnapshotRow(t, remote, cols, now)
				if len(row) == 0 {
					continue
				}
				colStr, placeholders, vals := buildInsert(row, row.Columns())
				query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", registry.QuoteIdent(t.Name), colStr, placeholders)
				if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
					return fmt.Errorf("insert %s: %w", t.Name, err)
				}
				total++
			}
		}
		if err := db.SetLastChangeID(ctx, tx, head); err != nil {
			return err
		}
		return db.MarkBootstrapComplete(ctx, tx)
	})
	if err != nil {
		log.Error("bootstrap failed", "err", err)
		return err
	}
	e.metrics.add(ctx, e.metrics.bootstraps, 1, tenantID)

	// The local store is complete at this point; remote bookkeeping failures
	// are repaired by the next pull.
	if cerr := e.remote.UpsertSyncCursor(ctx, deviceID, tenantID, head); cerr != nil {
		log.Warn("bootstrap cursor upsert", "err", cerr)
	} else if terr := e.remote.TouchDevice(ctx, deviceID, tenantID, e.cfg.DeviceName); terr != nil {
		log.Warn("bootstrap device touch", "err", terr)
	}
	log.Info("bootstrap complete", "tables", len(tables), "rows", total, "cursor", head)
	return nil
}

// fetchSnapshots reads every table concurrently, bounded by SnapshotWorkers.
// Results are indexed like tables.
func (e *Engine) fetchSnapshots(ctx context.Context, tenantID string, tables []registry.Table) ([][]registry.Row, error) {
	out := make([][]registry.Row, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SnapshotWorkers)
	for i, t := range tables {
		g.Go(func() error {
			rows, err := e.remote.SnapshotTable(gctx, tenantID, t)
			if err != nil {
				return fmt.Errorf("snapshot %s: %w", t.Name, err)
			}
			out[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// mapSnapshotRow maps remote column names onto local ones: exact match
// first, then the snake_case form of a camelCase name. Unmatched and
// excluded columns are dropped. Timestamp columns the remote row lacks
// entirely default to now.
func mapSnapshotRow(t registry.Table, remote registry.Row, localCols []string, now string) registry.Row {
	have := make(map[string]bool, len(localCols))
	for _, c := range localCols {
		have[c] = true
	}
	out := make(registry.Row, len(remote))
	for col, v := range remote {
		if have[col] && !t.IsExcluded(col) {
			out[col] = v
		}
	}
	for col, v := range remote {
		if have[col] {
			continue
		}
		snake := camelToSnake(col)
		if !have[snake] || t.IsExcluded(snake) {
			continue
		}
		if _, taken := out[snake]; !taken {
			out[snake] = v
		}
	}
	if len(out) == 0 {
		return out
	}
	for _, c := range []string{"created_at", registry.ColUpdatedAt} {
		if _, ok := out[c]; have[c] && !ok {
			out[c] = now
		}
	}
	return out
}

// camelToSnake converts createdAt to created_at and HTTPCode to http_code.
func camelToSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
