package sync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/registry"
	"github.com/marcus/offsync/internal/serverdb"
)

func product(id, name string, price float64) registry.Row {
	return registry.Row{"id": id, "sku": "SKU-" + id, "name": name, "price": price}
}

// seedProduct creates p1 on A and brings both A and B to version 1.
func seedProduct(t *testing.T, h *harness) {
	t.Helper()
	h.Mutate("A", db.OpInsert, "products", product("p1", "Coffee", 2.5))
	h.Sync("A")
	h.Sync("B")
	if row := h.QueryRow("B", "products", "p1"); row == nil {
		t.Fatal("B: p1 not bootstrapped")
	}
}

func TestSingleClientInsertReachesPeer(t *testing.T) {
	h := newHarness(t, "A", "B")

	h.Mutate("A", db.OpInsert, "products", product("p1", "Coffee", 2.5))
	res := h.Push("A")
	if res.Acked != 1 || res.Conflicts != 0 {
		t.Fatalf("push = %+v, want 1 acked", res)
	}
	if n := h.OutboxLen("A"); n != 0 {
		t.Fatalf("A outbox = %d, want 0", n)
	}

	pull := h.Pull("B")
	if pull.Applied != 1 {
		t.Fatalf("B applied %d, want 1", pull.Applied)
	}
	changes := h.Changes()
	if pull.NewCursor != changes[len(changes)-1].ChangeID {
		t.Fatalf("B cursor = %d, want %d", pull.NewCursor, changes[len(changes)-1].ChangeID)
	}

	row := h.QueryRow("B", "products", "p1")
	if row == nil || row["name"] != "Coffee" {
		t.Fatalf("B p1 = %v", row)
	}
	if v, _ := row.Int64(registry.ColVersion); v != 1 {
		t.Fatalf("B p1 version = %d, want 1", v)
	}
	if row[registry.ColLastModifiedBy] != h.Clients["A"].DeviceID {
		t.Fatalf("B p1 modified by %v, want A's device", row[registry.ColLastModifiedBy])
	}
	h.Pull("A")
	h.AssertConverged()
}

func TestPushIdempotentReplay(t *testing.T) {
	h := newHarness(t, "A")
	a := h.Clients["A"]

	h.Mutate("A", db.OpInsert, "products", product("p1", "Coffee", 2.5))
	entries, err := a.Local.ListOutbox(h.ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("outbox = %v, %v", entries, err)
	}
	if res := h.Push("A"); res.Acked != 1 {
		t.Fatalf("first push = %+v", res)
	}

	// The ack was lost: the same entry is queued again.
	e := entries[0]
	insertRawOutbox(t, a, e.OutboxID, e.TableName, e.RowID, e.Op, e.Version, string(e.Payload), e.CreatedAt)

	res := h.Push("A")
	if res.Acked != 1 || res.Conflicts != 0 {
		t.Fatalf("replay push = %+v, want 1 acked", res)
	}
	if n := h.OutboxLen("A"); n != 0 {
		t.Fatalf("outbox after replay = %d, want 0", n)
	}
	if changes := h.Changes(); len(changes) != 1 {
		t.Fatalf("change log has %d entries, want 1", len(changes))
	}
}

func TestVersionMonotonicity(t *testing.T) {
	h := newHarness(t, "A")

	h.Mutate("A", db.OpInsert, "products", product("p1", "Coffee", 2.5))
	h.Mutate("A", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 3.0})
	h.Mutate("A", db.OpUpdate, "products", registry.Row{"id": "p1", "name": "Espresso"})
	h.Mutate("A", db.OpDelete, "products", registry.Row{"id": "p1"})

	if res := h.Push("A"); res.Acked != 4 {
		t.Fatalf("push = %+v, want 4 acked", res)
	}

	var last int64
	for _, ch := range h.Changes() {
		if ch.Version != last+1 {
			t.Fatalf("change %d version = %d, want %d", ch.ChangeID, ch.Version, last+1)
		}
		last = ch.Version
	}
	remote := h.RemoteRow("products", "p1")
	if v, _ := remote.Int64(registry.ColVersion); v != 4 {
		t.Fatalf("remote version = %d, want 4", v)
	}
	if remote[registry.ColDeletedAt] == nil {
		t.Fatal("remote row not tombstoned")
	}
}

// Two devices edit the same row from version 1. The first push wins; the
// second is recorded as a conflict and stays queued.
func TestConcurrentEditConflict(t *testing.T) {
	h := newHarness(t, "A", "B")
	seedProduct(t, h)

	h.Mutate("A", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 3.0})
	h.Mutate("B", db.OpUpdate, "products", registry.Row{"id": "p1", "name": "Latte"})

	if res := h.Push("A"); res.Acked != 1 {
		t.Fatalf("A push = %+v", res)
	}
	before := len(h.Changes())

	res := h.Push("B")
	if res.Acked != 0 || res.Conflicts != 1 {
		t.Fatalf("B push = %+v, want 1 conflict", res)
	}
	if n := h.OutboxLen("B"); n != 1 {
		t.Fatalf("B outbox = %d, want entry kept", n)
	}
	if after := len(h.Changes()); after != before {
		t.Fatalf("conflict wrote %d change log rows", after-before)
	}

	remote := h.RemoteRow("products", "p1")
	if remote["name"] != "Coffee" || remote["price"] != 3.0 {
		t.Fatalf("remote row = %v, want A's write", remote)
	}

	conflicts, err := h.Clients["B"].Local.ListConflicts(h.ctx, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("B conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.TableName != "products" || c.RowID != "p1" || c.LocalVersion != 2 {
		t.Fatalf("conflict = %+v", c)
	}
	if c.RemoteVersion == nil || *c.RemoteVersion != 2 {
		t.Fatalf("conflict remote version = %v, want 2", c.RemoteVersion)
	}
	local, err := registry.DecodeRow([]byte(c.LocalPayload))
	if err != nil || local["name"] != "Latte" {
		t.Fatalf("conflict local payload = %s", c.LocalPayload)
	}
}

func TestConflictAgingParksEntry(t *testing.T) {
	h := newHarness(t, "A", "B")
	seedProduct(t, h)

	h.Mutate("A", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 3.0})
	h.Mutate("B", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 4.0})
	h.Push("A")

	if res := h.Push("B"); res.Conflicts != 1 || res.Parked != 0 {
		t.Fatalf("attempt 1 = %+v", res)
	}
	// Backing off: nothing due yet.
	if res := h.Push("B"); res.Conflicts != 0 {
		t.Fatalf("entry retried during backoff: %+v", res)
	}

	h.Clock.advance(time.Minute)
	if res := h.Push("B"); res.Conflicts != 1 || res.Parked != 0 {
		t.Fatalf("attempt 2 = %+v", res)
	}
	h.Clock.advance(time.Minute)
	if res := h.Push("B"); res.Conflicts != 0 {
		t.Fatalf("second backoff should be two minutes: %+v", res)
	}
	h.Clock.advance(time.Minute)
	if res := h.Push("B"); res.Conflicts != 1 || res.Parked != 1 {
		t.Fatalf("attempt 3 = %+v, want parked", res)
	}

	h.Clock.advance(2 * MaxConflictBackoff)
	if res := h.Push("B"); res.Conflicts != 0 {
		t.Fatalf("parked entry drained: %+v", res)
	}
	entries, err := h.Clients["B"].Local.ListOutbox(h.ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("outbox = %v, %v", entries, err)
	}
	if entries[0].ParkedAt == nil || entries[0].Attempts != 3 || entries[0].LastError == "" {
		t.Fatalf("entry = %+v, want parked after 3 attempts", entries[0])
	}

	if _, err := h.Clients["B"].Local.RequeueOutbox(h.ctx, entries[0].OutboxID); err != nil {
		t.Fatal(err)
	}
	if res := h.Push("B"); res.Conflicts != 1 {
		t.Fatalf("requeued entry not retried: %+v", res)
	}
}

func TestConflictBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, MaxConflictBackoff},
		{40, MaxConflictBackoff},
		{200, MaxConflictBackoff},
	}
	for _, tt := range tests {
		if got := conflictBackoff(30*time.Second, tt.attempts); got != tt.want {
			t.Errorf("conflictBackoff(30s, %d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestPushSkipsLaterEntriesForConflictedRow(t *testing.T) {
	h := newHarness(t, "A", "B")
	seedProduct(t, h)
	h.Mutate("B", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})

	h.Mutate("A", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 3.0})
	h.Push("A")

	h.Mutate("B", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 4.0})
	h.Mutate("B", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 5.0})

	res := h.Push("B")
	if res.Acked != 1 || res.Conflicts != 1 || res.Skipped != 1 {
		t.Fatalf("push = %+v, want 1 acked, 1 conflict, 1 skipped", res)
	}
	if n := h.OutboxLen("B"); n != 2 {
		t.Fatalf("B outbox = %d, want 2", n)
	}
}

func TestPushParksInvalidRowID(t *testing.T) {
	h := newHarness(t, "A")
	a := h.Clients["A"]
	now := h.Clock.now()

	insertRawOutbox(t, a, "bad-1", "invoice_items", "not-a-key", db.OpInsert, 1, `{"quantity":1}`, now)
	h.Clock.advance(time.Second)
	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})

	res := h.Push("A")
	if res.Parked != 1 || res.Acked != 1 {
		t.Fatalf("push = %+v, want 1 parked and 1 acked", res)
	}
	entries, err := a.Local.ListOutbox(h.ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("outbox = %v, %v", entries, err)
	}
	if entries[0].OutboxID != "bad-1" || entries[0].ParkedAt == nil {
		t.Fatalf("remaining entry = %+v", entries[0])
	}
}

func TestPushTableNotAllowedIsFatal(t *testing.T) {
	h := newHarness(t, "A")
	a := h.Clients["A"]
	insertRawOutbox(t, a, "x-1", "payroll", "1", db.OpInsert, 1, `{"id":"1"}`, h.Clock.now())

	_, err := a.Engine.Push(h.ctx, 10)
	if !errors.Is(err, registry.ErrTableNotAllowed) {
		t.Fatalf("err = %v, want ErrTableNotAllowed", err)
	}
	if n := h.OutboxLen("A"); n != 1 {
		t.Fatalf("outbox = %d, want entry kept", n)
	}
}

func TestPushTransportErrorReturnsPartial(t *testing.T) {
	h := newHarness(t, "A")
	a := h.Clients["A"]
	a.Engine = NewEngine(a.Local, &faultyRemote{Remote: h.Remote, insertsLeft: 1}, h.Reg, testConfig("A"),
		WithClock(h.Clock.now), WithLogger(slog.New(slog.DiscardHandler)))

	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})
	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c2", "name": "Bo"})
	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c3", "name": "Cy"})

	res, err := a.Engine.Push(h.ctx, 10)
	if !serverdb.IsTransport(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if res.Acked != 1 {
		t.Fatalf("acked = %d, want 1", res.Acked)
	}
	if n := h.OutboxLen("A"); n != 2 {
		t.Fatalf("outbox = %d, want 2 left", n)
	}
}

func TestSyncRequiresIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	noTenant, err := db.OpenMemory("sqlite3")
	if err != nil {
		t.Fatal(err)
	}
	defer noTenant.Close()
	if _, err := noTenant.EnsureDeviceID(ctx); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(noTenant, h.Remote, h.Reg, Config{}, WithLogger(slog.New(slog.DiscardHandler)))
	if _, err := e.SyncNow(ctx); !errors.Is(err, db.ErrMissingTenantID) {
		t.Fatalf("SyncNow err = %v, want ErrMissingTenantID", err)
	}

	noDevice, err := db.OpenMemory("sqlite3")
	if err != nil {
		t.Fatal(err)
	}
	defer noDevice.Close()
	if err := noDevice.SetTenantID(ctx, testTenant); err != nil {
		t.Fatal(err)
	}
	e = NewEngine(noDevice, h.Remote, h.Reg, Config{}, WithLogger(slog.New(slog.DiscardHandler)))
	if _, err := e.Push(ctx, 10); !errors.Is(err, db.ErrMissingDeviceID) {
		t.Fatalf("Push err = %v, want ErrMissingDeviceID", err)
	}
}

func TestPullIdempotent(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.Mutate("A", db.OpInsert, "products", product("p1", "Coffee", 2.5))
	h.Mutate("A", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 3.0})
	h.Push("A")

	first := h.Pull("B")
	if first.Applied != 2 {
		t.Fatalf("first pull applied %d, want 2", first.Applied)
	}
	before := dumpTable(t, h.Clients["B"].Local.Conn(), mustTable(t, h, "products"))

	again := h.Pull("B")
	if again.Applied != 0 || again.NewCursor != first.NewCursor {
		t.Fatalf("second pull = %+v, want no-op at cursor %d", again, first.NewCursor)
	}

	// Replaying the same page from scratch leaves the replica unchanged.
	if err := db.SetLastChangeID(h.ctx, h.Clients["B"].Local.Conn(), 0); err != nil {
		t.Fatal(err)
	}
	h.Pull("B")
	after := dumpTable(t, h.Clients["B"].Local.Conn(), mustTable(t, h, "products"))
	if before != after {
		t.Fatalf("replay changed replica:\n%s\nvs\n%s", before, after)
	}
}

func TestPullSkipsOlderThanLocal(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.Mutate("A", db.OpInsert, "products", product("p1", "Coffee", 2.5))
	h.Push("A")

	// B already holds a newer local version of p1.
	h.Mutate("B", db.OpInsert, "products", product("p1", "Tea", 1.0))
	h.Mutate("B", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 1.5})

	res := h.Pull("B")
	if res.Skipped != 1 || res.Applied != 0 {
		t.Fatalf("pull = %+v, want 1 skipped", res)
	}
	if row := h.QueryRow("B", "products", "p1"); row["name"] != "Tea" {
		t.Fatalf("B p1 overwritten: %v", row)
	}
}

func TestTombstoneConvergence(t *testing.T) {
	h := newHarness(t, "A", "B")
	seedProduct(t, h)
	insertID := h.Changes()[0].ChangeID

	h.Mutate("A", db.OpDelete, "products", registry.Row{"id": "p1"})
	h.Sync("A")
	h.Sync("B")

	row := h.QueryRow("B", "products", "p1")
	if row == nil {
		t.Fatal("B p1 physically deleted")
	}
	if row[registry.ColDeletedAt] == nil {
		t.Fatal("B p1 not tombstoned")
	}
	if v, _ := row.Int64(registry.ColVersion); v != 2 {
		t.Fatalf("B p1 version = %d, want 2", v)
	}
	h.AssertConverged()

	// A replica that never saw the row receives it as a tombstone.
	c := h.AddClient("C", testConfig("C"))
	if err := db.SetLastChangeID(h.ctx, c.Local.Conn(), insertID); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkBootstrapComplete(h.ctx, c.Local.Conn()); err != nil {
		t.Fatal(err)
	}
	h.Pull("C")
	row = h.QueryRow("C", "products", "p1")
	if row == nil || row[registry.ColDeletedAt] == nil {
		t.Fatalf("C p1 = %v, want tombstone", row)
	}
	h.AssertConverged()
}

func TestFilteredPullKeepsCursor(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.Mutate("A", db.OpInsert, "products", product("p1", "Coffee", 2.5))
	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})
	h.Push("A")

	res := h.Pull("B", "customers", "no_such_table")
	if res.Applied != 1 || res.NewCursor != 0 {
		t.Fatalf("filtered pull = %+v, want 1 applied at cursor 0", res)
	}
	if h.Cursor("B") != 0 {
		t.Fatalf("filtered pull advanced cursor to %d", h.Cursor("B"))
	}
	if h.QueryRow("B", "products", "p1") != nil {
		t.Fatal("filtered pull applied products")
	}

	if res := h.Pull("B", "no_such_table"); res.Applied != 0 {
		t.Fatalf("pull with only unknown tables = %+v", res)
	}

	full := h.Pull("B")
	if full.Applied != 2 || full.NewCursor == 0 {
		t.Fatalf("full pull = %+v", full)
	}
	if h.QueryRow("B", "products", "p1") == nil {
		t.Fatal("full pull missed products")
	}
}

func TestExcludedColumnIsolation(t *testing.T) {
	h := newHarness(t, "A", "B")
	p := product("p1", "Coffee", 2.5)
	p["stock_quantity"] = 50
	h.Mutate("A", db.OpInsert, "products", p)
	h.Sync("A")
	h.Sync("B")

	if q, _ := h.QueryRow("B", "products", "p1").Int64("stock_quantity"); q != 0 {
		t.Fatalf("B stock after bootstrap = %d, want local default 0", q)
	}

	// Stock is adjusted locally without an outbox entry.
	if _, err := h.Clients["B"].Local.Conn().Exec(`UPDATE products SET stock_quantity = 7 WHERE id = 'p1'`); err != nil {
		t.Fatal(err)
	}
	h.Mutate("A", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 3.0, "stock_quantity": 49})
	h.Sync("A")

	for _, ch := range h.Changes() {
		payload, _ := registry.DecodeRow(ch.Payload)
		if _, ok := payload["stock_quantity"]; ok {
			t.Fatalf("change %d carries stock_quantity", ch.ChangeID)
		}
	}

	h.Pull("B")
	row := h.QueryRow("B", "products", "p1")
	if q, _ := row.Int64("stock_quantity"); q != 7 {
		t.Fatalf("B stock = %d, want 7", q)
	}
	if row["price"] != 3.0 {
		t.Fatalf("B price = %v, want 3", row["price"])
	}
	if q, _ := h.QueryRow("A", "products", "p1").Int64("stock_quantity"); q != 49 {
		t.Fatalf("A stock = %d, want 49", q)
	}
}

func TestBootstrapSnapshotEquivalence(t *testing.T) {
	h := newHarness(t, "A")
	h.Mutate("A", db.OpInsert, "categories", registry.Row{"id": "cat1", "name": "Drinks"})
	h.Mutate("A", db.OpInsert, "products", registry.Row{"id": "p1", "sku": "S1", "name": "Coffee", "category_id": "cat1", "price": 2.5})
	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})
	h.Mutate("A", db.OpInsert, "invoices", registry.Row{"id": "i1", "number": "0001", "customer_id": "c1", "total": 5.0})
	h.Mutate("A", db.OpInsert, "invoice_items", registry.Row{"invoice_id": "i1", "line_no": 1, "product_id": "p1", "quantity": 2.0, "unit_price": 2.5, "total": 5.0})
	h.Mutate("A", db.OpInsert, "payments", registry.Row{"id": "pay1", "invoice_id": "i1", "method": "cash", "amount": 5.0})
	h.Mutate("A", db.OpDelete, "customers", registry.Row{"id": "c1"})
	h.Sync("A")

	h.AddClient("B", testConfig("B"))
	res := h.Sync("B")
	if !res.Bootstrapped {
		t.Fatal("B did not bootstrap")
	}
	h.AssertConverged()

	head, err := h.Remote.MaxChangeID(h.ctx, testTenant)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.Cursor("B"); got != head {
		t.Fatalf("B cursor = %d, want %d", got, head)
	}
	done, err := db.BootstrapComplete(h.ctx, h.Clients["B"].Local.Conn())
	if err != nil || !done {
		t.Fatalf("bootstrap marker = %v, %v", done, err)
	}
	cur, err := h.Remote.GetSyncCursor(h.ctx, h.Clients["B"].DeviceID, testTenant)
	if err != nil || cur == nil || cur.LastChangeID != head {
		t.Fatalf("remote cursor = %+v, %v", cur, err)
	}

	if res := h.Sync("B"); res.Bootstrapped {
		t.Fatal("second sync bootstrapped again")
	}
}

func TestBootstrapRefusesPendingOutbox(t *testing.T) {
	h := newHarness(t, "A")
	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})

	err := h.Clients["A"].Engine.Bootstrap(h.ctx)
	if !errors.Is(err, ErrPendingOutbox) {
		t.Fatalf("err = %v, want ErrPendingOutbox", err)
	}
	need, err := h.Clients["A"].Engine.NeedsBootstrap(h.ctx)
	if err != nil || need {
		t.Fatalf("NeedsBootstrap = %v, %v; want false with pending outbox", need, err)
	}
}

// A change committed between reading the change-log head and taking the
// snapshot is pulled again afterwards.
func TestBootstrapCursorPrecedesSnapshot(t *testing.T) {
	h := newHarness(t, "A")
	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})
	h.Sync("A")
	head, _ := h.Remote.MaxChangeID(h.ctx, testTenant)

	b := h.AddClient("B", testConfig("B"))
	remote := &faultyRemote{Remote: h.Remote, insertsLeft: 1 << 30}
	remote.afterMax = func() {
		remote.afterMax = nil
		h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c2", "name": "Bo"})
		h.Push("A")
	}
	b.Engine = NewEngine(b.Local, remote, h.Reg, testConfig("B"),
		WithClock(h.Clock.now), WithLogger(slog.New(slog.DiscardHandler)))

	if err := b.Engine.Bootstrap(h.ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if got := h.Cursor("B"); got != head {
		t.Fatalf("cursor = %d, want pre-snapshot head %d", got, head)
	}
	res := h.Pull("B")
	if res.Applied != 1 {
		t.Fatalf("pull after bootstrap = %+v, want the concurrent change", res)
	}
	h.AssertConverged()
}

// The P1 scenario: both devices hold v1, edit different columns, and sync
// in turn. A's edit wins remotely and B's edit is preserved as a conflict.
func TestTwoDeviceConcurrentEdit(t *testing.T) {
	h := newHarness(t, "A", "B")
	seedProduct(t, h)

	h.Mutate("A", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 3.0})
	h.Mutate("B", db.OpUpdate, "products", registry.Row{"id": "p1", "name": "Mocha"})

	resA := h.Sync("A")
	if resA.Push.Acked != 1 {
		t.Fatalf("A sync = %+v", resA)
	}
	resB, err := h.Clients["B"].Engine.Push(h.ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if resB.Conflicts != 1 {
		t.Fatalf("B push = %+v, want conflict", resB)
	}

	remote := h.RemoteRow("products", "p1")
	if v, _ := remote.Int64(registry.ColVersion); v != 2 || remote["price"] != 3.0 || remote["name"] != "Coffee" {
		t.Fatalf("remote = %v, want A's v2", remote)
	}
	if n, _ := h.Clients["B"].Local.CountConflicts(h.ctx, "products", "p1"); n != 1 {
		t.Fatalf("B conflicts = %d, want 1", n)
	}
	if h.OutboxLen("B") != 1 {
		t.Fatal("B's edit was dropped from the outbox")
	}
	if row := h.QueryRow("B", "products", "p1"); row["name"] != "Mocha" {
		t.Fatalf("B p1 before pull = %v, want its local edit", row)
	}

	// B's next cycle pulls A's v2. Equal versions are applied, so B's row
	// takes the accepted remote state; the edit lives on in the conflict
	// record and the outbox until someone resolves it.
	resB2 := h.Sync("B")
	if resB2.Pull.Applied != 1 {
		t.Fatalf("B sync = %+v, want A's change applied", resB2)
	}
	row := h.QueryRow("B", "products", "p1")
	if v, _ := row.Int64(registry.ColVersion); v != 2 || row["name"] != "Coffee" || row["price"] != 3.0 {
		t.Fatalf("B p1 after pull = %v, want A's v2", row)
	}
	if h.OutboxLen("B") != 1 {
		t.Fatal("pull dropped B's queued edit")
	}
	conflicts, err := h.Clients["B"].Local.ListConflicts(h.ctx, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) == 0 {
		t.Fatal("B has no conflict record")
	}
	local, err := registry.DecodeRow([]byte(conflicts[len(conflicts)-1].LocalPayload))
	if err != nil || local["name"] != "Mocha" {
		t.Fatalf("conflict local payload = %v, %v", local, err)
	}
	h.Pull("A")
	h.AssertConverged()
}

// A row whose first queued edit conflicted must not have its later edits
// pushed on their own in a following cycle: their expected version would
// match the winner's write and silently overwrite it.
func TestPushHoldsRowBehindDeferredEntry(t *testing.T) {
	h := newHarness(t, "A", "B")
	seedProduct(t, h)

	h.Mutate("A", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 3.0})
	h.Push("A")

	h.Mutate("B", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 4.0})
	h.Mutate("B", db.OpUpdate, "products", registry.Row{"id": "p1", "price": 5.0})

	if res := h.Push("B"); res.Conflicts != 1 || res.Skipped != 1 || res.Acked != 0 {
		t.Fatalf("first push = %+v, want 1 conflict and 1 skipped", res)
	}
	if res := h.Push("B"); res.Acked != 0 || res.Conflicts != 0 {
		t.Fatalf("second push = %+v, want the row held back", res)
	}
	assertA := func(when string) {
		t.Helper()
		remote := h.RemoteRow("products", "p1")
		if v, _ := remote.Int64(registry.ColVersion); v != 2 || remote["price"] != 3.0 {
			t.Fatalf("%s: remote p1 = %v, want A's v2", when, remote)
		}
	}
	assertA("during backoff")

	// Run the deferred entry into the park; its successor stays queued.
	for i := 0; i < 3; i++ {
		h.Clock.advance(MaxConflictBackoff)
		if res := h.Push("B"); res.Acked != 0 {
			t.Fatalf("retry %d = %+v, want nothing acked", i+1, res)
		}
	}
	assertA("after parking")
	if n := h.OutboxLen("B"); n != 2 {
		t.Fatalf("B outbox = %d, want both edits kept", n)
	}

	// Other rows keep flowing.
	h.Mutate("B", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})
	if res := h.Push("B"); res.Acked != 1 {
		t.Fatalf("unrelated push = %+v, want 1 acked", res)
	}
}

// Both devices create the same row offline. The second insert must surface
// as a conflict instead of being acknowledged over the first.
func TestConcurrentInsertConflicts(t *testing.T) {
	h := newHarness(t, "A", "B")

	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c9", "name": "FromA"})
	h.Mutate("B", db.OpInsert, "customers", registry.Row{"id": "c9", "name": "FromB"})

	if res := h.Push("A"); res.Acked != 1 {
		t.Fatalf("A push = %+v", res)
	}
	res := h.Push("B")
	if res.Acked != 0 || res.Conflicts != 1 {
		t.Fatalf("B push = %+v, want 1 conflict", res)
	}
	if n := len(h.Changes()); n != 1 {
		t.Fatalf("change log has %d rows, want only A's insert", n)
	}
	if remote := h.RemoteRow("customers", "c9"); remote["name"] != "FromA" {
		t.Fatalf("remote c9 = %v, want A's row", remote)
	}
	conflicts, err := h.Clients["B"].Local.ListConflicts(h.ctx, 10, nil)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("B conflicts = %v, %v", conflicts, err)
	}
	if c := conflicts[0]; c.RemoteVersion == nil || *c.RemoteVersion != 1 || c.LocalVersion != 1 {
		t.Fatalf("conflict = %+v, want local and remote version 1", c)
	}
	if h.OutboxLen("B") != 1 {
		t.Fatal("B's insert dropped from the outbox")
	}

	h.Pull("A")
	if row := h.QueryRow("A", "customers", "c9"); row["name"] != "FromA" {
		t.Fatalf("A c9 = %v, want its own row", row)
	}
}

// One undecodable change in a page rolls back the whole page and leaves the
// cursor in place, so a retry fetches the same page again.
func TestPullPageIsAtomic(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		rowID   string
		payload string
	}{
		{"bad row id", "invoice_items", "not-a-key", `{"quantity":1}`},
		{"payload not an object", "customers", "c2", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "A", "B")
			b := h.Clients["B"]
			h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})
			h.Push("A")
			badID := h.insertRawChange(tt.table, tt.rowID, db.OpInsert, 1, tt.payload)
			h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c3", "name": "Cy"})
			h.Push("A")

			for attempt := 1; attempt <= 2; attempt++ {
				if _, err := b.Engine.Pull(h.ctx, 0); err == nil {
					t.Fatalf("attempt %d: pull succeeded over a bad change", attempt)
				}
				if got := h.Cursor("B"); got != 0 {
					t.Fatalf("attempt %d: cursor = %d, want 0", attempt, got)
				}
				if h.QueryRow("B", "customers", "c1") != nil {
					t.Fatalf("attempt %d: c1 applied from a failed page", attempt)
				}
			}

			if _, err := h.Remote.Conn().Exec(`DELETE FROM sync_change_log WHERE change_id = ?`, badID); err != nil {
				t.Fatal(err)
			}
			res := h.Pull("B")
			if res.Applied != 2 {
				t.Fatalf("pull after repair = %+v, want 2 applied", res)
			}
			if h.QueryRow("B", "customers", "c1") == nil || h.QueryRow("B", "customers", "c3") == nil {
				t.Fatal("repaired page not applied")
			}
		})
	}
}

func TestMapSnapshotRow(t *testing.T) {
	tbl, err := registry.Default().Lookup("products")
	if err != nil {
		t.Fatal(err)
	}
	local := []string{"id", "sku", "name", "price", "stock_quantity", "created_at", "updated_at", "version"}
	remote := registry.Row{
		"id":            "p1",
		"name":          "Coffee",
		"createdAt":     "2026-01-01T00:00:00Z",
		"created_at":    "2025-12-31T00:00:00Z",
		"stockQuantity": 40,
		"taxRate":       0.2,
		"legacy_flag":   1,
		"version":       3,
	}
	got := mapSnapshotRow(tbl, remote, local, "NOW")

	if got["created_at"] != "2025-12-31T00:00:00Z" {
		t.Errorf("created_at = %v, want exact-name match to win", got["created_at"])
	}
	if _, ok := got["stock_quantity"]; ok {
		t.Error("excluded stock_quantity mapped")
	}
	if _, ok := got["legacy_flag"]; ok {
		t.Error("unknown column kept")
	}
	if _, ok := got["tax_rate"]; ok {
		t.Error("tax_rate mapped though not a local column")
	}
	if got["updated_at"] != "NOW" {
		t.Errorf("updated_at = %v, want default", got["updated_at"])
	}
	if got["version"] != 3 {
		t.Errorf("version = %v", got["version"])
	}
}

func TestCamelToSnake(t *testing.T) {
	tests := map[string]string{
		"createdAt":              "created_at",
		"lastModifiedByDeviceId": "last_modified_by_device_id",
		"already_snake":          "already_snake",
		"HTTPCode":               "http_code",
		"line2Total":             "line2_total",
		"ID":                     "id",
	}
	for in, want := range tests {
		if got := camelToSnake(in); got != want {
			t.Errorf("camelToSnake(%q) = %q, want %q", in, got, want)
		}
	}
}

func mustTable(t *testing.T, h *harness, name string) registry.Table {
	t.Helper()
	tbl, err := h.Reg.Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

// Apply logging goes through the engine's logger, never the process default.
func TestPullLogsThroughEngineLogger(t *testing.T) {
	var global bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&global, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := newHarness(t, "A", "B")
	b := h.Clients["B"]
	var engineLog bytes.Buffer
	b.Engine = NewEngine(b.Local, h.Remote, h.Reg, testConfig("B"), WithClock(h.Clock.now),
		WithLogger(slog.New(slog.NewTextHandler(&engineLog, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	h.Mutate("A", db.OpInsert, "customers", registry.Row{"id": "c1", "name": "Ana"})
	h.Push("A")
	if res := h.Pull("B"); res.Applied != 1 {
		t.Fatalf("pull = %+v", res)
	}

	if !bytes.Contains(engineLog.Bytes(), []byte("applied change")) {
		t.Errorf("engine log missing apply record:\n%s", engineLog.String())
	}
	if global.Len() != 0 {
		t.Errorf("pull wrote to the default logger:\n%s", global.String())
	}
}
