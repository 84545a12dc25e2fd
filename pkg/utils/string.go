package utils

import "strings"

const ellipsis = "…"

// Truncate cuts s to at most maxRunes runes, the last of which is an
// ellipsis when anything was removed.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes-1]) + ellipsis
}

// OneLine collapses every run of whitespace, newlines included, into a
// single space. Used for log previews of message text.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
