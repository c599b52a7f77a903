package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dataDir       = ".offsync"
	dbFile        = ".offsync/replica.db"
	defaultDriver = "sqlite"
)

// Querier is satisfied by *sql.DB and *sql.Tx so store helpers can run
// standalone or inside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the local replica connection
type DB struct {
	conn    *sql.DB
	baseDir string
}

// Open opens an existing local replica under baseDir and runs pending migrations.
func Open(baseDir string) (*DB, error) {
	return OpenDriver(defaultDriver, baseDir)
}

// OpenDriver is Open with an explicit database/sql driver name
// ("sqlite" for modernc, "sqlite3" for mattn).
func OpenDriver(driver, baseDir string) (*DB, error) {
	dbPath := ReplicaPath(baseDir)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: run 'offsync init' first")
	}

	conn, err := openConn(driver, dbPath)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, baseDir: baseDir}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Initialize creates the local replica under baseDir if needed and runs migrations.
func Initialize(baseDir string) (*DB, error) {
	return InitializeDriver(defaultDriver, baseDir)
}

// InitializeDriver is Initialize with an explicit driver name.
func InitializeDriver(driver, baseDir string) (*DB, error) {
	dbPath := ReplicaPath(baseDir)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := openConn(driver, dbPath)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, baseDir: baseDir}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory replica. The pool is pinned to one
// connection so every caller sees the same database.
func OpenMemory(driver string) (*DB, error) {
	conn, err := sql.Open(driver, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db := &DB{conn: conn}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func openConn(driver, dbPath string) (*sql.DB, error) {
	conn, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer owns the replica; a single connection keeps PRAGMA state
	// (foreign_keys, defer_foreign_keys) consistent across statements.
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Slightly faster writes, still safe with WAL
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	return conn, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying *sql.DB for callers that manage their own
// transactions (the sync engine and the business CRUD layer).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// ReplicaPath returns the database file of the replica under baseDir.
func ReplicaPath(baseDir string) string {
	return filepath.Join(baseDir, dbFile)
}

// BaseDir returns the base directory for the database
func (db *DB) BaseDir() string {
	return db.baseDir
}

// withWriteLock executes fn while holding an exclusive write lock.
// In-memory stores have no base directory and skip the lock.
func (db *DB) withWriteLock(fn func() error) error {
	if db.baseDir == "" {
		return fn()
	}
	l := lockFor(db.baseDir, replicaLockName)
	if err := l.acquire(replicaLockWait); err != nil {
		return err
	}
	defer l.release()
	return fn()
}

// WithTx runs fn in a transaction under the write lock. fn's error rolls
// the transaction back.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.withWriteLock(func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}
