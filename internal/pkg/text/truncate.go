// Package text holds small string helpers shared by message formatters.
package text

// Truncate cuts s to at most max runes and appends "..." when it was cut.
// A non-positive max leaves s unchanged.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
