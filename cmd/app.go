package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/registry"
	"github.com/marcus/offsync/internal/serverdb"
	offsync "github.com/marcus/offsync/internal/sync"
	"github.com/marcus/offsync/internal/syncconfig"
)

// errNoRemote is returned by commands that need remote.dsn when none is set.
var errNoRemote = errors.New("no remote configured (set remote.dsn or OFFSYNC_REMOTE_DSN)")

// appRegistry is the set of tables this binary replicates.
var appRegistry = registry.Default()

func openLocal() (*db.DB, error) {
	return db.OpenDriver(cfg.LocalDriver(), getBaseDir())
}

func openRemote(ctx context.Context) (*serverdb.ServerDB, error) {
	if cfg.Remote.DSN == "" {
		return nil, errNoRemote
	}
	return serverdb.Open(ctx, cfg.RemoteDriver(), cfg.Remote.DSN,
		serverdb.WithBreaker(breakerSettings(cfg)),
		serverdb.WithLogger(logger.With("component", "remote")),
	)
}

func breakerSettings(c *syncconfig.Config) serverdb.BreakerSettings {
	return serverdb.BreakerSettings{
		ConsecutiveFailures: uint32(c.BreakerFailures()),
		OpenTimeout:         c.BreakerTimeout(),
		HalfOpenRequests:    uint32(c.BreakerHalfOpen()),
	}
}

func engineConfig(c *syncconfig.Config) offsync.Config {
	return offsync.Config{
		PushLimit:           c.PushLimit(),
		PullLimit:           c.PullLimit(),
		MaxConflictAttempts: c.MaxConflictAttempts(),
		ConflictBackoff:     c.ConflictBackoff(),
		DeviceName:          c.DeviceName(),
		SnapshotWorkers:     c.SnapshotWorkers(),
	}
}

// session bundles the stores a sync command works against.
type session struct {
	local  *db.DB
	remote *serverdb.ServerDB
	engine *offsync.Engine
}

func (s *session) Close() {
	if s.remote != nil {
		s.remote.Close()
	}
	s.local.Close()
}

// openSession opens the local replica and the remote store and builds an engine.
func openSession(ctx context.Context) (*session, error) {
	local, err := openLocal()
	if err != nil {
		return nil, err
	}
	remote, err := openRemote(ctx)
	if err != nil {
		local.Close()
		return nil, err
	}
	engine := offsync.NewEngine(local, remote, appRegistry, engineConfig(cfg),
		offsync.WithLogger(logger.With("component", "sync")))
	return &session{local: local, remote: remote, engine: engine}, nil
}

// withSession runs fn holding the cross-process sync lock of the replica.
func withSession(ctx context.Context, fn func(s *session) error) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.local.WithSyncLock(syncLockTimeout, func() error {
		return fn(s)
	})
}

func requireTenant(ctx context.Context, local *db.DB) (string, error) {
	tenant, err := local.GetTenantID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w (run: offsync tenant set <id>)", err)
	}
	return tenant, nil
}
