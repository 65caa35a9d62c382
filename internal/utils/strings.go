// Package utils provides common utility functions.
package utils

import "unicode/utf8"

// MaskKey masks an API key for safe logging (shows first 8 and last 4 chars).
func MaskKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 16 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// Truncate cuts s to at most n bytes, never splitting a UTF-8 sequence,
// and marks the cut with "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
