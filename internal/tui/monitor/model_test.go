package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/marcus/offsync/internal/db"
	offsync "github.com/marcus/offsync/internal/sync"

	_ "github.com/mattn/go-sqlite3"
)

type stubSyncer struct {
	res offsync.SyncResult
	err error
}

func (s stubSyncer) SyncNow(context.Context) (offsync.SyncResult, error) { return s.res, s.err }

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenMemory("sqlite3")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if _, err := database.EnsureDeviceID(context.Background()); err != nil {
		t.Fatalf("device id: %v", err)
	}
	return database
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestPanelSwitching(t *testing.T) {
	m := NewModel(nil, nil, time.Second, "dev")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.ActivePanel != PanelConflicts {
		t.Fatalf("after tab: got panel %d", m.ActivePanel)
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.ActivePanel != PanelOutbox {
		t.Fatalf("tab should wrap, got panel %d", m.ActivePanel)
	}
	next, _ = m.Update(key("2"))
	if next.(Model).ActivePanel != PanelConflicts {
		t.Fatal("2 should jump to conflicts")
	}
}

func TestScrollNeverNegative(t *testing.T) {
	m := NewModel(nil, nil, time.Second, "")
	next, _ := m.Update(key("k"))
	m = next.(Model)
	if m.ScrollOffset[PanelOutbox] != 0 {
		t.Fatalf("offset went negative: %d", m.ScrollOffset[PanelOutbox])
	}
	next, _ = m.Update(key("j"))
	if next.(Model).ScrollOffset[PanelOutbox] != 1 {
		t.Fatal("j should scroll down")
	}
}

func TestSyncKeyWithoutSyncer(t *testing.T) {
	m := NewModel(nil, nil, time.Second, "")
	next, cmd := m.Update(key("s"))
	if next.(Model).Syncing || cmd != nil {
		t.Fatal("sync should be disabled without a syncer")
	}
}

func TestSyncRoundTrip(t *testing.T) {
	database := newTestDB(t)
	want := offsync.SyncResult{Push: offsync.PushResult{Acked: 2}, Pull: offsync.PullResult{Applied: 5}}
	m := NewModel(database, stubSyncer{res: want}, time.Second, "")

	next, cmd := m.Update(key("s"))
	m = next.(Model)
	if !m.Syncing || cmd == nil {
		t.Fatal("s should start a sync")
	}
	// A second press while syncing is ignored.
	if _, again := m.Update(key("s")); again != nil {
		t.Fatal("sync started twice")
	}

	next, _ = m.Update(SyncDoneMsg{Result: want})
	m = next.(Model)
	if m.Syncing || m.LastSync == nil || m.LastSync.Pull.Applied != 5 {
		t.Fatalf("sync result not recorded: %+v", m.LastSync)
	}
	m.Width, m.Height = 100, 30
	if !strings.Contains(m.syncStatus(), "pushed 2") {
		t.Fatalf("status: %q", m.syncStatus())
	}

	next, _ = m.Update(SyncDoneMsg{Err: errors.New("remote store unavailable")})
	if !strings.Contains(next.(Model).syncStatus(), "remote store unavailable") {
		t.Fatal("sync error not shown")
	}
}

func TestFetchDataAndRender(t *testing.T) {
	database := newTestDB(t)
	msg := FetchData(context.Background(), database)
	if msg.Err != nil {
		t.Fatalf("fetch: %v", msg.Err)
	}

	m := NewModel(database, nil, time.Second, "v1.0.0")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	next, _ = next.(Model).Update(msg)
	view := next.(Model).View()
	for _, want := range []string{"OUTBOX (0 pending, 0 parked)", "Outbox is empty", "No conflicts recorded", "read-only"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestCompactView(t *testing.T) {
	m := NewModel(nil, nil, time.Second, "")
	m.Width, m.Height = 30, 10
	m.State = &db.SyncState{LastChangeID: 7}
	if !strings.Contains(m.View(), "Cursor: 7") {
		t.Fatalf("compact view: %q", m.View())
	}
}

func TestClampOffset(t *testing.T) {
	tests := []struct{ offset, total, height, want int }{
		{0, 10, 5, 0},
		{3, 10, 5, 3},
		{9, 10, 5, 5},
		{4, 3, 5, 0},
	}
	for _, tt := range tests {
		if got := clampOffset(tt.offset, tt.total, tt.height); got != tt.want {
			t.Errorf("clampOffset(%d,%d,%d) = %d, want %d", tt.offset, tt.total, tt.height, got, tt.want)
		}
	}
}
