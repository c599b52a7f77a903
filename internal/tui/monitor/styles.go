package monitor

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/offsync/internal/db"
)

var (
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	titleStyle     = lipgloss.NewStyle().Bold(true)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle        = lipgloss.NewStyle().Foreground(successColor)
	warnStyle      = lipgloss.NewStyle().Foreground(warningColor)
	errStyle       = lipgloss.NewStyle().Foreground(errorColor)

	opBadges = map[string]lipgloss.Style{
		db.OpInsert: lipgloss.NewStyle().Foreground(successColor),
		db.OpUpdate: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		db.OpDelete: lipgloss.NewStyle().Foreground(errorColor),
	}
)

// formatOpBadge renders an outbox operation as a fixed-width badge
func formatOpBadge(op string) string {
	label := "[???]"
	switch op {
	case db.OpInsert:
		label = "[INS]"
	case db.OpUpdate:
		label = "[UPD]"
	case db.OpDelete:
		label = "[DEL]"
	}
	style, ok := opBadges[op]
	if !ok {
		return subtleStyle.Render(label)
	}
	return style.Render(label)
}
