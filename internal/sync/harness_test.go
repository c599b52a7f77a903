package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/offsync/internal/appschema"
	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/registry"
	"github.com/marcus/offsync/internal/serverdb"
)

const testTenant = "acme"

// testClock is a settable time source shared by every client in a harness.
type testClock struct {
	mu stdsync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// simClient is one simulated installation with its own local replica.
type simClient struct {
	Name     string
	DeviceID string
	Local    *db.DB
	Engine   *Engine
}

// harness wires several clients to one shared remote store.
type harness struct {
	t       *testing.T
	ctx     context.Context
	Remote  *serverdb.ServerDB
	Reg     *registry.Registry
	Clock   *testClock
	Clients map[string]*simClient
}

func testConfig(name string) Config {
	return Config{
		DeviceName:          name,
		MaxConflictAttempts: 3,
		ConflictBackoff:     time.Minute,
	}
}

// newHarness creates a remote store with testTenant provisioned and one
// client per name.
func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	ctx := context.Background()

	remote, err := serverdb.Open(ctx, serverdb.DriverSQLite, ":memory:",
		serverdb.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("open remote: %v", err)
	}
	t.Cleanup(func() { remote.Close() })
	if err := remote.RegisterTenant(ctx, testTenant, "t_acme"); err != nil {
		t.Fatalf("register tenant: %v", err)
	}
	if err := remote.ProvisionTenant(ctx, testTenant, appschema.Remote("sqlite")); err != nil {
		t.Fatalf("provision tenant: %v", err)
	}

	h := &harness{
		t:       t,
		ctx:     ctx,
		Remote:  remote,
		Reg:     registry.Default(),
		Clock:   &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		Clients: make(map[string]*simClient),
	}
	for _, name := range names {
		h.AddClient(name, testConfig(name))
	}
	return h
}

// AddClient opens a fresh local replica with identity and tenant set.
func (h *harness) AddClient(name string, cfg Config) *simClient {
	h.t.Helper()
	local, err := db.OpenMemory("sqlite3")
	if err != nil {
		h.t.Fatalf("open local %s: %v", name, err)
	}
	h.t.Cleanup(func() { local.Close() })
	if err := local.ApplyDDL(h.ctx, appschema.Local()); err != nil {
		h.t.Fatalf("local schema %s: %v", name, err)
	}
	deviceID, err := local.EnsureDeviceID(h.ctx)
	if err != nil {
		h.t.Fatalf("device id %s: %v", name, err)
	}
	if err := local.SetTenantID(h.ctx, testTenant); err != nil {
		h.t.Fatalf("tenant %s: %v", name, err)
	}
	c := &simClient{
		Name:     name,
		DeviceID: deviceID,
		Local:    local,
		Engine: NewEngine(local, h.Remote, h.Reg, cfg,
			WithClock(h.Clock.now), WithLogger(slog.New(slog.DiscardHandler))),
	}
	h.Clients[name] = c
	return c
}

func (h *harness) client(name string) *simClient {
	h.t.Helper()
	c, ok := h.Clients[name]
	if !ok {
		h.t.Fatalf("unknown client %s", name)
	}
	return c
}

// Mutate performs a business write on a client and enqueues the matching
// outbox entry in the same transaction, the way the CRUD layer does. For
// updates only the given columns change; deletes stamp deleted_at.
func (h *harness) Mutate(name, op, table string, row registry.Row) {
	h.t.Helper()
	c := h.client(name)
	tbl, err := h.Reg.Lookup(table)
	if err != nil {
		h.t.Fatal(err)
	}
	rowID, err := tbl.RowID(row)
	if err != nil {
		h.t.Fatal(err)
	}
	if _, err := c.Engine.Write(h.ctx, op, tbl.Name, row); err != nil {
		h.t.Fatalf("mutate %s %s %s/%s: %v", name, op, table, rowID, err)
	}
	// Keep outbox order deterministic.
	h.Clock.advance(time.Millisecond)
}

// Sync runs SyncNow for a client.
func (h *harness) Sync(name string) SyncResult {
	h.t.Helper()
	res, err := h.client(name).Engine.SyncNow(h.ctx)
	if err != nil {
		h.t.Fatalf("sync %s: %v", name, err)
	}
	return res
}

// Push runs one push batch for a client.
func (h *harness) Push(name string) PushResult {
	h.t.Helper()
	res, err := h.client(name).Engine.Push(h.ctx, 0)
	if err != nil {
		h.t.Fatalf("push %s: %v", name, err)
	}
	return res
}

// Pull runs one pull page for a client.
func (h *harness) Pull(name string, tables ...string) PullResult {
	h.t.Helper()
	res, err := h.client(name).Engine.Pull(h.ctx, 0, tables...)
	if err != nil {
		h.t.Fatalf("pull %s: %v", name, err)
	}
	return res
}

// QueryRow reads a local row, soft-deleted or not. Nil when absent.
func (h *harness) QueryRow(name, table, rowID string) registry.Row {
	h.t.Helper()
	tbl, err := h.Reg.Lookup(table)
	if err != nil {
		h.t.Fatal(err)
	}
	key, err := tbl.DecodeRowID(rowID)
	if err != nil {
		h.t.Fatal(err)
	}
	row, err := readRow(h.ctx, h.client(name).Local.Conn(), tbl, key)
	if err != nil {
		h.t.Fatalf("read %s %s/%s: %v", name, table, rowID, err)
	}
	return row
}

// RemoteRow reads a row from the tenant schema. Nil when absent.
func (h *harness) RemoteRow(table, rowID string) registry.Row {
	h.t.Helper()
	tbl, _ := h.Reg.Lookup(table)
	key, err := tbl.DecodeRowID(rowID)
	if err != nil {
		h.t.Fatal(err)
	}
	row, err := h.Remote.FetchRow(h.ctx, testTenant, tbl, key)
	if err != nil {
		h.t.Fatalf("remote row %s/%s: %v", table, rowID, err)
	}
	return row
}

// Changes returns the whole tenant change log.
func (h *harness) Changes() []serverdb.Change {
	h.t.Helper()
	changes, err := h.Remote.ChangesSince(h.ctx, testTenant, 0, 10000, nil)
	if err != nil {
		h.t.Fatalf("changes: %v", err)
	}
	return changes
}

// OutboxLen counts a client's queued entries, parked ones included.
func (h *harness) OutboxLen(name string) int64 {
	h.t.Helper()
	n, err := db.CountOutbox(h.ctx, h.client(name).Local.Conn())
	if err != nil {
		h.t.Fatal(err)
	}
	return n
}

// Cursor returns a client's local change-log cursor.
func (h *harness) Cursor(name string) int64 {
	h.t.Helper()
	id, err := db.LastChangeID(h.ctx, h.client(name).Local.Conn())
	if err != nil {
		h.t.Fatal(err)
	}
	return id
}

// AssertConverged verifies every client holds the same replicated data.
func (h *harness) AssertConverged() {
	h.t.Helper()
	names := make([]string, 0, len(h.Clients))
	for name := range h.Clients {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) < 2 {
		return
	}
	ref := names[0]
	for _, name := range names[1:] {
		if d := h.Diff(ref, name); d != "" {
			h.t.Fatalf("clients %s and %s diverged:\n%s", ref, name, d)
		}
	}
}

// Diff returns a per-table description of differences between two clients.
func (h *harness) Diff(a, b string) string {
	var out strings.Builder
	for _, tbl := range h.Reg.Tables() {
		left := dumpTable(h.t, h.client(a).Local.Conn(), tbl)
		right := dumpTable(h.t, h.client(b).Local.Conn(), tbl)
		if left != right {
			fmt.Fprintf(&out, "--- %s (%s)\n%s\n--- %s (%s)\n%s\n", tbl.Name, a, left, tbl.Name, b, right)
		}
	}
	return out.String()
}

// dumpTable renders the replicated columns of every row in key order.
// Excluded columns are device-local and left out.
func dumpTable(t *testing.T, conn *sql.DB, tbl registry.Table) string {
	t.Helper()
	cols := make([]string, 0, len(tbl.Columns))
	for _, c := range tbl.AllColumns() {
		if tbl.Replicates(c) {
			cols = append(cols, c)
		}
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = registry.QuoteIdent(c)
	}
	order := make([]string, len(tbl.Key))
	for i, k := range tbl.Key {
		order[i] = registry.QuoteIdent(k)
	}
	rows, err := conn.Query(fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(quoted, ", "), registry.QuoteIdent(tbl.Name), strings.Join(order, ", ")))
	if err != nil {
		t.Fatalf("dump %s: %v", tbl.Name, err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("dump %s: %v", tbl.Name, err)
		}
		for i, c := range cols {
			v := vals[i]
			if bs, ok := v.([]byte); ok {
				v = string(bs)
			}
			fmt.Fprintf(&b, "%s=%v ", c, v)
		}
		b.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("dump %s: %v", tbl.Name, err)
	}
	return b.String()
}

// insertRawOutbox writes an outbox row directly, bypassing validation.
func insertRawOutbox(t *testing.T, c *simClient, outboxID, table, rowID, op string, version int64, payload string, createdAt time.Time) {
	t.Helper()
	_, err := c.Local.Conn().Exec(`
		INSERT INTO sync_outbox (outbox_id, tenant_id, device_id, table_name, row_id, op, version, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outboxID, testTenant, c.DeviceID, table, rowID, op, version, payload, db.FormatTime(createdAt))
	if err != nil {
		t.Fatalf("insert raw outbox: %v", err)
	}
}

// insertRawChange appends a change-log row directly, bypassing validation.
func (h *harness) insertRawChange(table, rowID, op string, version int64, payload string) int64 {
	h.t.Helper()
	res, err := h.Remote.Conn().Exec(`
		INSERT INTO sync_change_log (tenant_id, table_name, row_id, op, version, changed_at, source_device_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		testTenant, table, rowID, op, version, db.FormatTime(h.Clock.now()), "raw-device", payload)
	if err != nil {
		h.t.Fatalf("insert raw change: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		h.t.Fatal(err)
	}
	return id
}

// faultyRemote fails selected calls with a transport error.
type faultyRemote struct {
	Remote
	insertsLeft int
	afterMax    func()
}

func (f *faultyRemote) InsertRow(ctx context.Context, tenantID string, t registry.Table, row registry.Row, ch serverdb.Change) (serverdb.ApplyOutcome, error) {
	if f.insertsLeft == 0 {
		return serverdb.ApplyOutcome{}, &serverdb.TransportError{Op: "insert row", Err: fmt.Errorf("connection reset by peer")}
	}
	f.insertsLeft--
	return f.Remote.InsertRow(ctx, tenantID, t, row, ch)
}

func (f *faultyRemote) MaxChangeID(ctx context.Context, tenantID string) (int64, error) {
	id, err := f.Remote.MaxChangeID(ctx, tenantID)
	if f.afterMax != nil {
		f.afterMax()
	}
	return id, err
}
