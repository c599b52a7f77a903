package output

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/marcus/offsync/internal/db"
	"golang.org/x/term"
)

// conflictWrapMax keeps conflict reports readable on very wide terminals.
const conflictWrapMax = 100

// TerminalWidth reports the width of stdout, then $COLUMNS, then fallback.
func TerminalWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n
	}
	if fallback <= 0 {
		return 80
	}
	return fallback
}

// RenderMarkdownWithWidth renders md for the terminal, wrapped at width
// (never below 20 columns). Blank input renders as "".
func RenderMarkdownWithWidth(md string, width int) (string, error) {
	if strings.TrimSpace(md) == "" {
		return "", nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width, 20)),
	)
	if err != nil {
		return "", err
	}
	out, err := r.Render(md)
	return strings.TrimRight(out, "\n"), err
}

// RenderConflict renders the conflict report for the terminal. When stdout
// is not a terminal, or rendering fails, the raw markdown is returned so
// pipes get plain text.
func RenderConflict(c db.SyncConflict) string {
	md := ConflictMarkdown(c)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return md
	}
	out, err := RenderMarkdownWithWidth(md, min(TerminalWidth(80), conflictWrapMax))
	if err != nil || out == "" {
		return md
	}
	return out
}
