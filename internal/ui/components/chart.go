// Package components provides reusable rendering components.
package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/j-veylop/analytics-counter/internal/ui/styles"
)

// RenderLineChart creates a single-series ASCII line chart.
func RenderLineChart(data []float64, width, height int, caption string) string {
	if len(data) == 0 {
		return styles.HelpStyle.Render("No data available")
	}

	// Ensure minimum dimensions
	width = max(width, 20)
	height = max(height, 3)

	return asciigraph.Plot(data,
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption(caption),
		asciigraph.SeriesColors(asciigraph.Blue),
	)
}

// Bar is one labelled value of a bar chart.
type Bar struct {
	Label string
	Value int64
}

// RenderBarChart creates a horizontal bar chart scaled to the largest
// value. Labels wider than maxLabel are shortened with an ellipsis.
func RenderBarChart(bars []Bar, width, maxLabel int) string {
	if len(bars) == 0 {
		return ""
	}

	var maxVal int64
	labelWidth := 0
	labels := make([]string, len(bars))
	for i, b := range bars {
		maxVal = max(maxVal, b.Value)
		labels[i] = Truncate(b.Label, maxLabel)
		labelWidth = max(labelWidth, lipgloss.Width(labels[i]))
	}
	if maxVal <= 0 {
		maxVal = 1
	}

	// Leave room for the label, separator and value
	barWidth := max(width-labelWidth-12, 10)

	barStyle := lipgloss.NewStyle().Foreground(styles.Secondary)
	lines := make([]string, len(bars))
	for i, b := range bars {
		barLen := int(float64(max(b.Value, 0)) / float64(maxVal) * float64(barWidth))
		pad := strings.Repeat(" ", labelWidth-lipgloss.Width(labels[i]))
		lines[i] = fmt.Sprintf("%s%s │%s %s",
			labels[i], pad,
			barStyle.Render(strings.Repeat("█", barLen)),
			FormatCount(b.Value),
		)
	}
	return strings.Join(lines, "\n")
}

// RenderQuotaBar draws the used share of a budget as a fixed-width bar
// followed by "used/max".
func RenderQuotaBar(used, limit int64, width int) string {
	width = max(width, 10)
	if limit <= 0 {
		return styles.HelpStyle.Render("no quota configured")
	}

	ratio := min(float64(max(used, 0))/float64(limit), 1)
	filled := int(ratio * float64(width))
	remaining := (1 - ratio) * 100

	style := styles.GetQuotaStyle(remaining, used > limit)
	bar := style.Render(strings.Repeat("█", filled)) +
		styles.HelpStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %d/%d", bar, used, limit)
}

// FormatCount renders n with thousands separators.
func FormatCount(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// Truncate shortens s to at most width cells, ending in an ellipsis.
func Truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}
