// Package ui holds the lexmigrate terminal styles, symbols, error hints and
// step spinner.
package ui

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// BrandMark prefixes the product name in help and version output.
const BrandMark = "⇄"

// ANSI 4-bit colors; lipgloss degrades them on limited terminals.
var (
	ColorCyan   = lipgloss.Color("6")
	ColorGreen  = lipgloss.Color("2")
	ColorYellow = lipgloss.Color("3")
	ColorRed    = lipgloss.Color("1")
)

var (
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleError   = lipgloss.NewStyle().Foreground(ColorRed)
	StyleBoldRed = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
	StyleCode    = lipgloss.NewStyle().Foreground(ColorCyan)
	StyleHint    = lipgloss.NewStyle().Faint(true)
)

const (
	SymbolCheck   = "✓"
	SymbolCross   = "✗"
	SymbolWarning = "⚠"
	SymbolDot     = "●"
	SymbolArrow   = "→"
)

var (
	forcedRenderer     *lipgloss.Renderer
	forcedRendererOnce sync.Once
)

// ForcedRenderer returns a renderer that always emits ANSI codes. The CLI
// color helpers use it once they have decided color is wanted, since the
// default renderer strips codes whenever stderr is not a terminal.
func ForcedRenderer() *lipgloss.Renderer {
	forcedRendererOnce.Do(func() {
		forcedRenderer = lipgloss.NewRenderer(os.Stderr)
		forcedRenderer.SetColorProfile(termenv.ANSI)
	})
	return forcedRenderer
}

// ColorEnabled reports whether stderr is a color terminal. Any NO_COLOR
// value, even empty, disables color.
func ColorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
