package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
)

// formatCount formats a count as a human-readable string (e.g., "1.5K", "2.3M").
func formatCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// formatReceived formats a timestamp relative to now: the time of day for
// today, month and day within the year, else the full date.
func formatReceived(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.In(now.Location())
	switch {
	case t.Year() == now.Year() && t.YearDay() == now.YearDay():
		return t.Format("15:04")
	case t.Year() == now.Year():
		return t.Format("Jan 02")
	}
	return t.Format("2006-01-02")
}

// padRight pads a string with spaces to fill width terminal cells.
// Uses lipgloss.Width to correctly handle ANSI codes and full-width characters.
func padRight(s string, width int) string {
	sw := lipgloss.Width(s)
	if sw >= width {
		return ansi.Truncate(s, width, "")
	}
	return s + strings.Repeat(" ", width-sw)
}

// truncateRunes truncates a string to fit within maxWidth terminal cells.
// Newlines and tabs are flattened first so a row never breaks the layout.
func truncateRunes(s string, maxWidth int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\t", " ")

	if maxWidth <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}

// wrapText wraps text to fit within width terminal cells, preferring to
// break at spaces.
func wrapText(text string, width int) []string {
	if width <= 0 {
		width = 80
	}

	var result []string
	for _, line := range strings.Split(text, "\n") {
		if runewidth.StringWidth(line) <= width {
			result = append(result, line)
			continue
		}

		runes := []rune(line)
		for len(runes) > 0 {
			currentWidth := 0
			breakAt := 0
			lastSpace := -1

			for i, r := range runes {
				rw := runewidth.RuneWidth(r)
				if currentWidth+rw > width {
					break
				}
				currentWidth += rw
				breakAt = i + 1
				if r == ' ' {
					lastSpace = i
				}
			}

			if lastSpace > breakAt/2 && breakAt < len(runes) {
				breakAt = lastSpace
			}
			if breakAt == 0 {
				breakAt = 1
			}

			result = append(result, string(runes[:breakAt]))
			runes = runes[breakAt:]
			for len(runes) > 0 && runes[0] == ' ' {
				runes = runes[1:]
			}
		}
	}
	return result
}

// truncateToWidth returns the prefix of s that fits within maxWidth visual columns.
func truncateToWidth(s string, maxWidth int) string {
	return ansi.Truncate(s, maxWidth, "")
}
