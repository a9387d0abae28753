package compiler

import (
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// sanitizeUTF8 replaces invalid UTF-8 sequences in s, matching the
// specification's requirement that captured toolchain output always be
// valid UTF-8 with invalid sequences replaced rather than rejected.
func sanitizeUTF8(s string) string {
	t := unicode.UTF8.NewDecoder()
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
