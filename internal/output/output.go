// Package output provides styled terminal output helpers (success, error,
// warning, change and conflict formatting) using lipgloss.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/serverdb"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	opStyles     = map[string]lipgloss.Style{
		db.OpInsert: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		db.OpUpdate: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		db.OpDelete: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound          = "not_found"
	ErrCodeInvalidInput      = "invalid_input"
	ErrCodeDatabaseError     = "database_error"
	ErrCodeMissingIdentity   = "missing_identity"
	ErrCodeRemoteUnavailable = "remote_unavailable"
	ErrCodeTransport         = "transport_error"
	ErrCodeSyncInProgress    = "sync_in_progress"
	ErrCodePendingOutbox     = "pending_outbox"
	ErrCodeTableNotAllowed   = "table_not_allowed"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	JSONErrorWithDetails(code, message, nil)
}

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]interface{}) {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	data, _ := json.Marshal(map[string]interface{}{"error": errObj})
	fmt.Println(string(data))
}

// FormatOp formats an outbox or change-log operation with color
func FormatOp(op string) string {
	style, ok := opStyles[op]
	if !ok {
		return op
	}
	return style.Render(fmt.Sprintf("%-6s", op))
}

// ShortID returns the first 8 characters of a uuid-style id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Truncate cuts s to width terminal cells, appending an ellipsis when cut.
// ANSI sequences are preserved.
func Truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	return ansi.Truncate(s, width, "…")
}

// FormatChange formats one change-log entry on a single line
func FormatChange(ch serverdb.Change) string {
	parts := []string{
		titleStyle.Render(fmt.Sprintf("#%d", ch.ChangeID)),
		FormatOp(ch.Op),
		fmt.Sprintf("%s/%s", ch.TableName, ch.RowID),
		fmt.Sprintf("v%d", ch.Version),
		subtleStyle.Render("dev:" + ShortID(ch.SourceDeviceID)),
		subtleStyle.Render(FormatTimeAgo(ch.ChangedAt)),
	}
	return strings.Join(parts, "  ")
}

// OutboxState describes where an entry sits in the push rotation.
func OutboxState(e db.OutboxEntry, now time.Time) string {
	switch {
	case e.ParkedAt != nil:
		return errorStyle.Render("[parked]")
	case e.NextAttemptAt != nil && e.NextAttemptAt.After(now):
		return warningStyle.Render(fmt.Sprintf("[retry in %s]", e.NextAttemptAt.Sub(now).Round(time.Second)))
	default:
		return successStyle.Render("[pending]")
	}
}

// FormatOutboxEntry formats a queued mutation on a single line
func FormatOutboxEntry(e db.OutboxEntry, now time.Time) string {
	parts := []string{
		titleStyle.Render(ShortID(e.OutboxID)),
		FormatOp(e.Op),
		fmt.Sprintf("%s/%s", e.TableName, e.RowID),
		fmt.Sprintf("v%d", e.Version),
		OutboxState(e, now),
	}
	if e.Attempts > 0 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d attempts", e.Attempts)))
	}
	if e.LastError != "" {
		parts = append(parts, subtleStyle.Render(Truncate(e.LastError, 60)))
	}
	return strings.Join(parts, "  ")
}

// FormatConflictShort formats a recorded conflict on a single line
func FormatConflictShort(c db.SyncConflict) string {
	remote := "missing"
	if c.RemoteVersion != nil {
		remote = fmt.Sprintf("v%d", *c.RemoteVersion)
	}
	return strings.Join([]string{
		titleStyle.Render(ShortID(c.ConflictID)),
		fmt.Sprintf("%s/%s", c.TableName, c.RowID),
		fmt.Sprintf("local v%d vs remote %s", c.LocalVersion, remote),
		subtleStyle.Render("outbox " + ShortID(c.OutboxID)),
		subtleStyle.Render(FormatTimeAgo(c.DetectedAt)),
	}, "  ")
}

// ConflictMarkdown renders a conflict as a markdown report with both payloads.
func ConflictMarkdown(c db.SyncConflict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Conflict %s\n\n", c.ConflictID)
	fmt.Fprintf(&sb, "- **Row:** `%s/%s`\n", c.TableName, c.RowID)
	fmt.Fprintf(&sb, "- **Outbox entry:** `%s`\n", c.OutboxID)
	fmt.Fprintf(&sb, "- **Detected:** %s\n", c.DetectedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "- **Local version:** %d\n", c.LocalVersion)
	if c.RemoteVersion != nil {
		fmt.Fprintf(&sb, "- **Remote version:** %d\n", *c.RemoteVersion)
	} else {
		sb.WriteString("- **Remote version:** row missing\n")
	}
	sb.WriteString("\n## Local payload\n\n```json\n")
	sb.WriteString(prettyJSON(c.LocalPayload))
	sb.WriteString("\n```\n\n## Remote payload\n\n")
	if c.RemotePayload == "" || c.RemotePayload == "null" {
		sb.WriteString("_none_\n")
	} else {
		sb.WriteString("```json\n")
		sb.WriteString(prettyJSON(c.RemotePayload))
		sb.WriteString("\n```\n")
	}
	return sb.String()
}

func prettyJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err != nil {
		return s
	}
	return buf.String()
}

// FormatSyncState formats local sync metadata for `sync --status`
func FormatSyncState(s *db.SyncState) string {
	var sb strings.Builder
	tenant := s.TenantID
	if tenant == "" {
		tenant = warningStyle.Render("(not set)")
	}
	fmt.Fprintf(&sb, "Tenant:     %s\n", tenant)
	fmt.Fprintf(&sb, "Device:     %s\n", s.DeviceID)
	fmt.Fprintf(&sb, "Cursor:     %d\n", s.LastChangeID)
	boot := successStyle.Render("complete")
	if !s.BootstrapComplete {
		boot = warningStyle.Render("pending")
	}
	fmt.Fprintf(&sb, "Bootstrap:  %s\n", boot)
	fmt.Fprintf(&sb, "Outbox:     %d pending", s.PendingOutbox)
	if s.ParkedOutbox > 0 {
		sb.WriteString(", " + errorStyle.Render(fmt.Sprintf("%d parked", s.ParkedOutbox)))
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Conflicts:  %d", s.Conflicts)
	return sb.String()
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nOUTBOX:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
