package ingest

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Color is the style tag of a handler's console echo.
type Color string

const (
	ColorNone    Color = ""
	ColorRed     Color = "red"
	ColorGreen   Color = "green"
	ColorYellow  Color = "yellow"
	ColorBlue    Color = "blue"
	ColorMagenta Color = "magenta"
	ColorCyan    Color = "cyan"
	ColorGray    Color = "gray"
)

var ansiColors = map[Color]lipgloss.Color{
	ColorRed:     lipgloss.Color("9"),
	ColorGreen:   lipgloss.Color("10"),
	ColorYellow:  lipgloss.Color("11"),
	ColorBlue:    lipgloss.Color("12"),
	ColorMagenta: lipgloss.Color("13"),
	ColorCyan:    lipgloss.Color("14"),
	ColorGray:    lipgloss.Color("8"),
}

func ParseColor(s string) (Color, bool) {
	c := Color(strings.ToLower(strings.TrimSpace(s)))
	if c == ColorNone {
		return ColorNone, true
	}
	_, ok := ansiColors[c]
	return c, ok
}

// Console writes styled one-line summaries of consumed lines. Lines from
// several sources may interleave but never tear.
type Console struct {
	mu       sync.Mutex
	w        io.Writer
	renderer *lipgloss.Renderer
	styles   map[Color]lipgloss.Style
	now      func() time.Time
}

func NewConsole(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	styles := make(map[Color]lipgloss.Style, len(ansiColors)+1)
	styles[ColorNone] = r.NewStyle()
	for c, ansi := range ansiColors {
		styles[c] = r.NewStyle().Foreground(ansi)
	}
	return &Console{w: w, renderer: r, styles: styles, now: time.Now}
}

func (c *Console) Echo(kind Kind, style Color, text string) {
	if c == nil {
		return
	}
	st, ok := c.styles[style]
	if !ok {
		st = c.styles[ColorNone]
	}
	stamp := c.renderer.NewStyle().Faint(true).Render(c.now().Format("15:04:05"))
	label := st.Bold(true).Render(fmt.Sprintf("%-12s", kind))
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s %s %s\n", stamp, label, st.Render(text))
}
