package viz

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#00ffff"))

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("#444466"))

	MetricLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888899"))

	MetricValue = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00ccff")).
			Bold(true)

	Subtle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#666688"))

	// drift thresholds
	Good = lipgloss.NewStyle().Foreground(lipgloss.Color("#00ff88"))
	Fair = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffcc00"))
	Bad  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff4444"))
)

// DriftStyle picks a colour for a relative energy error.
func DriftStyle(de float64) lipgloss.Style {
	if de < 0 {
		de = -de
	}
	switch {
	case de < 1e-4:
		return Good
	case de < 1e-2:
		return Fair
	}
	return Bad
}

// Metrics renders label/value pairs, one per line, with labels padded to
// the widest.
func Metrics(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(MetricLabel.Render(p[0] + ":" + strings.Repeat(" ", width-len(p[0])+1)))
		b.WriteString(MetricValue.Render(p[1]))
		b.WriteByte('\n')
	}
	return b.String()
}
