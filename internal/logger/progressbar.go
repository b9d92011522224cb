package logger

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// IterationBar renders how much of a run's iteration budget has been consumed.
type IterationBar struct {
	used        int
	max         int
	width       int
	enableColor bool
}

// NewIterationBar creates a bar of the given width. Widths below 1 fall back to 10.
func NewIterationBar(used, limit, width int, enableColor bool) *IterationBar {
	if width < 1 {
		width = 10
	}
	return &IterationBar{used: used, max: limit, width: width, enableColor: enableColor}
}

// Percentage returns the consumed share of the budget (0-100).
func (b *IterationBar) Percentage() int {
	if b.max <= 0 {
		return 0
	}
	perc := (b.used * 100) / b.max
	return min(max(perc, 0), 100)
}

// Render returns e.g. "[=====     ] 1/2". The bar turns yellow on the last
// iteration and red once the budget is spent.
func (b *IterationBar) Render() string {
	filled := (b.Percentage() * b.width) / 100

	bar := "[" + strings.Repeat("=", filled) + strings.Repeat(" ", b.width-filled) + "]"
	result := fmt.Sprintf("%s %d/%d", bar, b.used, b.max)

	if !b.enableColor {
		return result
	}
	switch {
	case b.max > 0 && b.used >= b.max:
		return color.New(color.FgRed).Sprint(result)
	case b.max > 0 && b.used == b.max-1:
		return color.New(color.FgYellow).Sprint(result)
	default:
		return color.New(color.FgCyan).Sprint(result)
	}
}
