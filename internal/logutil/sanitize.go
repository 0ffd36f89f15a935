package logutil

import "strings"

// Sanitize strips newlines and control characters from strings that come
// from cloud APIs before they reach the log. EC2 Name tags, cluster names and
// DB identifiers are set by whoever controls the account and must not be able
// to forge log lines.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
