// Package stringutil provides common string utility functions.
package stringutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TruncateString truncates a string to at most maxLen runes.
// Multi-byte characters are never split.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i]
		}
		n++
	}
	return s
}

// TruncateStringWithEllipsis truncates a string to maxLen runes and adds "..." suffix.
// If maxLen leaves no room for the suffix, it behaves like TruncateString.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return strings.TrimRightFunc(TruncateString(s, maxLen-3), unicode.IsSpace) + "..."
}

// CollapseWhitespace replaces every run of whitespace with a single space and
// trims both ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
