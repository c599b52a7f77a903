package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/output"
)

// renderView renders the complete TUI view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}
	if m.Err != nil {
		return m.renderError()
	}
	if m.ShowHelp {
		return m.renderHelp()
	}

	header := m.renderHeader()
	available := m.Height - lipgloss.Height(header) - 1
	outboxHeight := available / 2
	conflictsHeight := available - outboxHeight

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.renderOutboxPanel(outboxHeight),
		m.renderConflictsPanel(conflictsHeight),
		m.renderFooter(),
	)
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder
	s.WriteString("offsync monitor (resize for full view)\n\n")
	if m.State != nil {
		fmt.Fprintf(&s, "Cursor: %d\n", m.State.LastChangeID)
		fmt.Fprintf(&s, "Outbox: %d pending, %d parked\n", m.State.PendingOutbox, m.State.ParkedOutbox)
		fmt.Fprintf(&s, "Conflicts: %d\n", m.State.Conflicts)
	}
	s.WriteString("\nq:quit r:refresh s:sync ?:help")
	return s.String()
}

// renderError renders an error message
func (m Model) renderError() string {
	return fmt.Sprintf("Error: %v\n\nPress r to retry, q to quit", m.Err)
}

// renderHeader shows identity, cursor and the outcome of the last sync
func (m Model) renderHeader() string {
	if m.State == nil {
		return subtleStyle.Render(" loading replica state...")
	}
	tenant := m.State.TenantID
	if tenant == "" {
		tenant = warnStyle.Render("(no tenant)")
	}
	boot := okStyle.Render("bootstrapped")
	if !m.State.BootstrapComplete {
		boot = warnStyle.Render("not bootstrapped")
	}
	line1 := fmt.Sprintf(" %s  tenant %s  device %s  cursor %s  %s",
		titleStyle.Render("offsync"),
		titleStyle.Render(tenant),
		subtleStyle.Render(output.ShortID(m.State.DeviceID)),
		titleStyle.Render(fmt.Sprintf("%d", m.State.LastChangeID)),
		boot,
	)
	return lipgloss.JoinVertical(lipgloss.Left, line1, " "+m.syncStatus())
}

func (m Model) syncStatus() string {
	switch {
	case m.Syncing:
		return m.Spinner.View() + " syncing..."
	case m.SyncErr != nil:
		return errStyle.Render("last sync failed: " + output.Truncate(m.SyncErr.Error(), m.Width-24))
	case m.LastSync != nil:
		r := m.LastSync
		return okStyle.Render(fmt.Sprintf("last sync %s: pushed %d, conflicts %d, pulled %d",
			m.LastAt.Format("15:04:05"), r.Push.Acked, r.Push.Conflicts, r.Pull.Applied))
	case m.Syncer == nil:
		return subtleStyle.Render("read-only (no remote configured)")
	default:
		return subtleStyle.Render("press s to sync")
	}
}

// renderOutboxPanel lists queued mutations, oldest first
func (m Model) renderOutboxPanel(height int) string {
	title := "OUTBOX"
	if m.State != nil {
		title = fmt.Sprintf("OUTBOX (%d pending, %d parked)", m.State.PendingOutbox, m.State.ParkedOutbox)
	}
	if len(m.Outbox) == 0 {
		return m.wrapPanel(title, subtleStyle.Render("Outbox is empty"), height, PanelOutbox)
	}

	rows := height - 3
	offset := clampOffset(m.ScrollOffset[PanelOutbox], len(m.Outbox), rows)
	now := time.Now()
	var content strings.Builder
	for _, e := range m.Outbox[offset : offset+visibleItems(len(m.Outbox), offset, rows)] {
		content.WriteString(m.formatOutboxEntry(e, now))
		content.WriteString("\n")
	}
	return m.wrapPanel(title, content.String(), height, PanelOutbox)
}

// renderConflictsPanel lists recorded conflicts, newest first
func (m Model) renderConflictsPanel(height int) string {
	title := fmt.Sprintf("CONFLICTS (%d)", len(m.Conflicts))
	if len(m.Conflicts) == 0 {
		return m.wrapPanel(title, subtleStyle.Render("No conflicts recorded"), height, PanelConflicts)
	}

	rows := height - 3
	offset := clampOffset(m.ScrollOffset[PanelConflicts], len(m.Conflicts), rows)
	var content strings.Builder
	for _, c := range m.Conflicts[offset : offset+visibleItems(len(m.Conflicts), offset, rows)] {
		content.WriteString(m.formatConflict(c))
		content.WriteString("\n")
	}
	return m.wrapPanel(title, content.String(), height, PanelConflicts)
}

func (m Model) formatOutboxEntry(e db.OutboxEntry, now time.Time) string {
	ts := timestampStyle.Render(e.CreatedAt.Local().Format("15:04:05"))
	return fmt.Sprintf("%s %s %s %s %s",
		ts,
		formatOpBadge(e.Op),
		titleStyle.Render(e.TableName+"/"+e.RowID),
		subtleStyle.Render(fmt.Sprintf("v%d", e.Version)),
		output.OutboxState(e, now),
	)
}

func (m Model) formatConflict(c db.SyncConflict) string {
	remote := "missing"
	if c.RemoteVersion != nil {
		remote = fmt.Sprintf("v%d", *c.RemoteVersion)
	}
	return fmt.Sprintf("%s %s local v%d, remote %s %s",
		timestampStyle.Render(c.DetectedAt.Local().Format("01-02 15:04")),
		titleStyle.Render(c.TableName+"/"+c.RowID),
		c.LocalVersion,
		remote,
		subtleStyle.Render(output.ShortID(c.ConflictID)),
	)
}

func (m Model) renderFooter() string {
	keys := helpStyle.Render("q:quit  tab:switch  j/k:scroll  r:refresh  s:sync  ?:help")
	refresh := timestampStyle.Render(fmt.Sprintf("Last: %s", m.LastRefresh.Format("15:04:05")))
	if m.Version != "" {
		refresh = subtleStyle.Render(m.Version+"  ") + refresh
	}
	padding := m.Width - lipgloss.Width(keys) - lipgloss.Width(refresh) - 2
	if padding < 0 {
		padding = 0
	}
	return fmt.Sprintf(" %s%s%s", keys, strings.Repeat(" ", padding), refresh)
}

// renderHelp renders the help overlay
func (m Model) renderHelp() string {
	help := `
SYNC MONITOR - Key Bindings

NAVIGATION:
  Tab / Shift+Tab   Switch between panels
  1 / 2             Jump to outbox / conflicts
  j / k             Scroll active panel

ACTIONS:
  s                 Sync now (push then pull)
  r                 Force refresh
  q / Ctrl+C        Quit

Press ? to close help
`
	return helpStyle.Render(help)
}

// wrapPanel wraps content in a panel with title and border
func (m Model) wrapPanel(title, content string, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}

	contentWidth := m.Width - 4
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	contentHeight := height - 3
	if contentHeight < 1 {
		contentHeight = 1
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	if len(lines) > contentHeight {
		lines = lines[:contentHeight]
	}
	for i, line := range lines {
		lines[i] = output.Truncate(line, contentWidth)
	}

	inner := lipgloss.JoinVertical(lipgloss.Left, panelTitleStyle.Render(title), strings.Join(lines, "\n"))
	return style.Width(m.Width - 2).Render(inner)
}

// visibleItems calculates how many items can be shown given scroll offset and height
func visibleItems(total, offset, height int) int {
	remaining := total - offset
	if remaining > height {
		return height
	}
	return remaining
}

// clampOffset keeps a scroll offset inside [0, total-height].
func clampOffset(offset, total, height int) int {
	max := total - height
	if max < 0 {
		max = 0
	}
	if offset > max {
		return max
	}
	if offset < 0 {
		return 0
	}
	return offset
}
