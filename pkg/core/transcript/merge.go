package transcript

import (
	"strings"
	"unicode/utf8"
)

// Merge extends existing with a streaming addition.
//
// Producers may resend the whole string, send stale fragments, or retransmit a
// partially overlapping tail. The result never duplicates text that is already
// present and never loses text that was already accepted.
func Merge(existing, addition string) string {
	if existing == "" {
		return normalize(addition)
	}
	if addition == "" {
		return existing
	}
	if strings.HasPrefix(addition, existing) {
		return addition
	}
	if strings.Contains(existing, addition) {
		return existing
	}
	if strings.HasPrefix(existing, addition) {
		return existing
	}
	k := commonPrefixLen(existing, addition)
	if k == 0 {
		return existing + addition
	}
	return existing[:k] + addition[k:]
}

// commonPrefixLen returns the byte length of the longest common prefix that
// ends on a rune boundary in both strings.
func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) {
		ra, sa := utf8.DecodeRuneInString(a[n:])
		rb, sb := utf8.DecodeRuneInString(b[n:])
		if ra != rb || sa != sb {
			break
		}
		n += sa
	}
	return n
}

func normalize(s string) string {
	return strings.TrimLeft(s, " \t\r\n")
}
