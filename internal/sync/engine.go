// Package sync replicates a local SQLite store with a shared multi-tenant
// remote store through an outbox (push), a change log (pull) and a one-time
// snapshot (bootstrap).
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/registry"
	"go.opentelemetry.io/otel/metric"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMeter sets the meter used for sync counters.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs sync cycles for one local store. Callers serialize cycles.
type Engine struct {
	local  *db.DB
	remote Remote
	reg    *registry.Registry
	cfg    Config

	log     *slog.Logger
	meter   metric.Meter
	metrics *metrics
	now     func() time.Time

	colMu       stdsync.Mutex
	localCols   map[string][]string
	schemaReady bool
}

// NewEngine builds an engine over a local store and a remote store.
func NewEngine(local *db.DB, remote Remote, reg *registry.Registry, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		local:     local,
		remote:    remote,
		reg:       reg,
		cfg:       cfg.withDefaults(),
		log:       slog.Default(),
		now:       time.Now,
		localCols: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newMetrics(e.meter, e.log)
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// identity returns the tenant and device ids or the matching sentinel error.
func (e *Engine) identity(ctx context.Context) (tenantID, deviceID string, err error) {
	conn := e.local.Conn()
	if tenantID, err = db.TenantID(ctx, conn); err != nil {
		return "", "", err
	}
	if deviceID, err = db.DeviceID(ctx, conn); err != nil {
		return "", "", err
	}
	return tenantID, deviceID, nil
}

// EnsureSchema creates the shared remote tables and the sync metadata
// columns of every registered table in the tenant's schema. Idempotent.
func (e *Engine) EnsureSchema(ctx context.Context) error {
	tenantID, err := db.TenantID(ctx, e.local.Conn())
	if err != nil {
		return err
	}
	if _, err := e.remote.RunMigrations(ctx); err != nil {
		return fmt.Errorf("ensure remote schema: %w", err)
	}
	if err := e.remote.EnsureTenantTables(ctx, tenantID, e.reg); err != nil {
		return fmt.Errorf("ensure tenant tables: %w", err)
	}
	e.schemaReady = true
	return nil
}

// SyncNow ensures the remote schema on first use, bootstraps if needed,
// then pushes one outbox batch and pulls one change-log page.
func (e *Engine) SyncNow(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	tenantID, deviceID, err := e.identity(ctx)
	if err != nil {
		return res, err
	}
	start := e.now()
	log := e.log.With("tenant", tenantID, "device", deviceID)

	defer func() {
		e.metrics.observe(ctx, "sync", tenantID, e.now().Sub(start).Seconds(), err)
	}()

	if !e.schemaReady {
		if err = e.EnsureSchema(ctx); err != nil {
			log.Error("ensure schema failed", "err", err)
			return res, err
		}
	}
	if res.Bootstrapped, err = e.BootstrapIfNeeded(ctx); err != nil {
		log.Error("bootstrap failed", "err", err)
		return res, err
	}
	if res.Push, err = e.Push(ctx, e.cfg.PushLimit); err != nil {
		log.Error("push failed", "acked", res.Push.Acked, "err", err)
		return res, err
	}
	if res.Pull, err = e.Pull(ctx, e.cfg.PullLimit); err != nil {
		log.Error("pull failed", "err", err)
		return res, err
	}

	log.Info("sync complete",
		"bootstrapped", res.Bootstrapped,
		"acked", res.Push.Acked,
		"conflicts", res.Push.Conflicts,
		"applied", res.Pull.Applied,
		"cursor", res.Pull.NewCursor,
	)
	return res, nil
}

// localColumns returns the columns of a local table, cached per engine.
func (e *Engine) localColumns(ctx context.Context, q db.Querier, table string) ([]string, error) {
	e.colMu.Lock()
	cols, ok := e.localCols[table]
	e.colMu.Unlock()
	if ok {
		return cols, nil
	}
	cols, err := db.TableColumns(ctx, q, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("local table %s does not exist", table)
	}
	e.colMu.Lock()
	e.localCols[table] = cols
	e.colMu.Unlock()
	return cols, nil
}

// IsFatal reports errors that no retry can fix: a missing identity or a
// table outside the registry.
func IsFatal(err error) bool {
	return errors.Is(err, registry.ErrTableNotAllowed) ||
		errors.Is(err, db.ErrMissingTenantID) ||
		errors.Is(err, db.ErrMissingDeviceID)
}
