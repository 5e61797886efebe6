package shared

// Truncate clamps s to at most max runes, replacing the tail with a single
// ellipsis when the clamp applies. max must be at least 1.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
