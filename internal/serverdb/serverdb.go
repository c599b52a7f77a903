package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sony/gobreaker"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverPgx    = "pgx"
	DriverSQLite = "sqlite"
)

// BreakerSettings configures the circuit breaker around remote calls.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker. Zero disables tripping.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerSettings returns the breaker used when none is configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// Option configures a ServerDB.
type Option func(*ServerDB)

// WithBreaker overrides the default breaker settings.
func WithBreaker(s BreakerSettings) Option {
	return func(db *ServerDB) { db.breakerSettings = s }
}

// WithLogger sets the logger for breaker state changes.
func WithLogger(l *slog.Logger) Option {
	return func(db *ServerDB) { db.log = l }
}

// ServerDB is the remote store: shared sync tables plus per-tenant
// business tables.
type ServerDB struct {
	conn    *sql.DB
	dialect Dialect
	log     *slog.Logger

	breakerSettings BreakerSettings
	breaker         *gobreaker.CircuitBreaker

	mu      sync.Mutex
	schemas map[string]string   // tenant id -> schema name
	columns map[string][]string // "schema.table" -> remote column names
}

// Open connects to the remote store and runs pending migrations on the
// shared schema. driver is "pgx" or "sqlite".
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*ServerDB, error) {
	var dialect Dialect
	switch driver {
	case DriverPgx, "postgres":
		driver = DriverPgx
		dialect = Postgres{}
	case DriverSQLite:
		dialect = &SQLite{Dir: sqliteDir(dsn)}
	default:
		return nil, fmt.Errorf("unsupported remote driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	if driver == DriverSQLite {
		// Attached tenant schemas live on the connection.
		conn.SetMaxOpenConns(1)
		if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	db := New(conn, dialect, opts...)
	if _, err := db.RunMigrations(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// New wraps an existing connection. The caller still owns migrations.
func New(conn *sql.DB, dialect Dialect, opts ...Option) *ServerDB {
	db := &ServerDB{
		conn:            conn,
		dialect:         dialect,
		log:             slog.Default(),
		breakerSettings: DefaultBreakerSettings(),
		schemas:         make(map[string]string),
		columns:         make(map[string][]string),
	}
	for _, opt := range opts {
		opt(db)
	}
	db.breaker = newBreaker(db.breakerSettings, db.log)
	return db
}

func newBreaker(s BreakerSettings, log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote",
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return s.ConsecutiveFailures > 0 && c.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// sqliteDir picks the directory for attached tenant files. In-memory DSNs
// get in-memory tenant schemas.
func sqliteDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[:i]
	}
	return "."
}

// Dialect returns the SQL dialect of the connection.
func (db *ServerDB) Dialect() Dialect { return db.dialect }

// Conn returns the underlying connection.
func (db *ServerDB) Conn() *sql.DB { return db.conn }

// Ping checks the database connection is alive.
func (db *ServerDB) Ping(ctx context.Context) error {
	return db.do("ping", func() error {
		return transport("ping", db.conn.PingContext(ctx))
	})
}

// Close closes the database connection.
func (db *ServerDB) Close() error {
	return db.conn.Close()
}

// do runs fn through the circuit breaker. Only transport errors count as
// breaker failures; other errors pass through untouched.
func (db *ServerDB) do(op string, fn func() error) error {
	var logical error
	_, err := db.breaker.Execute(func() (interface{}, error) {
		err := fn()
		if IsTransport(err) {
			return nil, err
		}
		logical = err
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", op, ErrRemoteUnavailable, err)
	}
	if err != nil {
		return err
	}
	return logical
}

func (db *ServerDB) rebind(q string) string { return db.dialect.Rebind(q) }

// RunMigrations creates the shared schema and runs pending migrations.
func (db *ServerDB) RunMigrations(ctx context.Context) (int, error) {
	var ran int
	err := db.do("migrate", func() error {
		for _, stmt := range db.dialect.SharedSchema() {
			if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
				return transport("create schema", err)
			}
		}

		current, err := db.getSchemaVersion(ctx)
		if err != nil {
			return err
		}
		if current >= ServerSchemaVersion {
			return nil
		}
		for _, m := range Migrations {
			if m.Version <= current {
				continue
			}
			if _, err := db.conn.ExecContext(ctx, m.SQL); err != nil {
				return transport(fmt.Sprintf("migration %d (%s)", m.Version, m.Description), err)
			}
			if err := db.setSchemaVersion(ctx, m.Version); err != nil {
				return err
			}
			ran++
		}
		if current == 0 {
			return db.setSchemaVersion(ctx, ServerSchemaVersion)
		}
		return nil
	})
	return ran, err
}

func (db *ServerDB) getSchemaVersion(ctx context.Context) (int, error) {
	var version string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, transport("read schema version", err)
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

func (db *ServerDB) setSchemaVersion(ctx context.Context, version int) error {
	_, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO schema_info (key, value) VALUES ('version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`), fmt.Sprintf("%d", version))
	return transport("set schema version", err)
}
