// Package monitor is a live terminal dashboard for a local replica: sync
// state, the outbox and recorded conflicts, with an on-demand sync.
package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/marcus/offsync/internal/db"
	offsync "github.com/marcus/offsync/internal/sync"
)

// Panel represents which panel is active
type Panel int

const (
	PanelOutbox Panel = iota
	PanelConflicts
)

const panelCount = 2

// Syncer runs one sync cycle. *sync.Engine implements it.
type Syncer interface {
	SyncNow(ctx context.Context) (offsync.SyncResult, error)
}

// Model is the Bubble Tea model for the sync monitor
type Model struct {
	DB     *db.DB
	Syncer Syncer // nil disables the sync key

	Width  int
	Height int

	State     *db.SyncState
	Outbox    []db.OutboxEntry
	Conflicts []db.SyncConflict

	ActivePanel  Panel
	ScrollOffset map[Panel]int
	ShowHelp     bool
	LastRefresh  time.Time
	Err          error

	Syncing  bool
	Spinner  spinner.Model
	LastSync *offsync.SyncResult
	LastAt   time.Time
	SyncErr  error

	RefreshInterval time.Duration
	Version         string
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// MinHeight is the minimum terminal height for proper display
const MinHeight = 12

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	State     *db.SyncState
	Outbox    []db.OutboxEntry
	Conflicts []db.SyncConflict
	Err       error
	Timestamp time.Time
}

// SyncDoneMsg reports the end of a sync started from the monitor
type SyncDoneMsg struct {
	Result offsync.SyncResult
	Err    error
}

// NewModel creates a new monitor model
func NewModel(database *db.DB, syncer Syncer, interval time.Duration, version string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = warnStyle
	return Model{
		DB:              database,
		Syncer:          syncer,
		RefreshInterval: interval,
		ScrollOffset:    make(map[Panel]int),
		Spinner:         sp,
		Version:         version,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchData(), m.scheduleTick())
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Err = msg.Err
		if msg.Err == nil {
			m.State = msg.State
			m.Outbox = msg.Outbox
			m.Conflicts = msg.Conflicts
		}
		m.LastRefresh = msg.Timestamp
		return m, nil

	case SyncDoneMsg:
		m.Syncing = false
		m.LastAt = time.Now()
		m.SyncErr = msg.Err
		if msg.Err == nil {
			res := msg.Result
			m.LastSync = &res
		}
		return m, m.fetchData()

	case spinner.TickMsg:
		if !m.Syncing {
			return m, nil
		}
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		m.ActivePanel = (m.ActivePanel + 1) % panelCount
	case "shift+tab":
		m.ActivePanel = (m.ActivePanel + panelCount - 1) % panelCount
	case "1":
		m.ActivePanel = PanelOutbox
	case "2":
		m.ActivePanel = PanelConflicts

	case "j", "down":
		m.ScrollOffset[m.ActivePanel]++
	case "k", "up":
		if m.ScrollOffset[m.ActivePanel] > 0 {
			m.ScrollOffset[m.ActivePanel]--
		}

	case "r":
		return m, m.fetchData()

	case "s":
		if m.Syncer == nil || m.Syncing {
			return m, nil
		}
		m.Syncing = true
		return m, tea.Batch(m.Spinner.Tick, m.runSync())

	case "?":
		m.ShowHelp = !m.ShowHelp
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that loads replica state
func (m Model) fetchData() tea.Cmd {
	return func() tea.Msg {
		return FetchData(context.Background(), m.DB)
	}
}

func (m Model) runSync() tea.Cmd {
	syncer := m.Syncer
	return func() tea.Msg {
		res, err := syncer.SyncNow(context.Background())
		return SyncDoneMsg{Result: res, Err: err}
	}
}
