package progress

import "unicode/utf8"

// DefaultNameWidth is the display width used when a Tracker is built with 0.
const DefaultNameWidth = 50

// DisplayName shortens name to at most width runes by keeping its head and
// tail around an ellipsis. Names that already fit are returned unchanged.
func DisplayName(name string, width int) string {
	if width <= 0 {
		width = DefaultNameWidth
	}
	if utf8.RuneCountInString(name) <= width {
		return name
	}
	keep := width/2 - 2
	if keep < 1 {
		keep = 1
	}
	runes := []rune(name)
	return string(runes[:keep]) + "..." + string(runes[len(runes)-keep:])
}
