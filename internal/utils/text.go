package utils

import "unicode/utf8"

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence and
// appends suffix when anything was removed.
func Truncate(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	if n < 0 {
		n = 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + suffix
}
