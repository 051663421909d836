package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/cli/ui"
)

// colorEnabled reports whether output should be colored. NO_COLOR wins.
func colorEnabled() bool {
	return ui.ColorEnabled()
}

// tint returns a painter that applies f when color is true. Painters render
// through the forced-ANSI renderer because the caller already decided.
func tint(f func(lipgloss.Style) lipgloss.Style) func(string, bool) string {
	return func(text string, color bool) string {
		if !color {
			return text
		}
		return f(ui.ForcedRenderer().NewStyle()).Render(text)
	}
}

var (
	bold     = tint(func(s lipgloss.Style) lipgloss.Style { return s.Bold(true) })
	dim      = tint(func(s lipgloss.Style) lipgloss.Style { return s.Faint(true) })
	cyan     = tint(func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorCyan) })
	green    = tint(func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorGreen) })
	yellow   = tint(func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorYellow) })
	red      = tint(func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorRed) })
	boldCyan = tint(func(s lipgloss.Style) lipgloss.Style { return s.Bold(true).Foreground(ui.ColorCyan) })
)

// passFail renders a check result marker.
func passFail(ok, color bool) string {
	if ok {
		return green(ui.SymbolCheck, color)
	}
	return red(ui.SymbolCross, color)
}

// levelTag renders an audit level as a fixed-width uppercase tag.
func levelTag(l auditlog.Level, color bool) string {
	tag := strings.ToUpper(string(l))
	for len(tag) < 5 {
		tag += " "
	}
	switch l {
	case auditlog.LevelError:
		return red(tag, color)
	case auditlog.LevelWarn:
		return yellow(tag, color)
	case auditlog.LevelDebug:
		return dim(tag, color)
	}
	return tag
}
