package scope

import (
	"fmt"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// needsEscape reports whether byte c at position i of a segment must
// be percent-encoded. '/' and control bytes cannot appear in a tree
// entry name; '%' is always encoded so decoding is unambiguous; a
// leading '.' is encoded so no resource name can collide with the
// index entry or the git "." / ".." specials.
func needsEscape(c byte, i int) bool {
	switch {
	case c == '/' || c == '%' || c == 0x7F:
		return true
	case c < 0x20:
		return true
	case c == '.' && i == 0:
		return true
	}
	return false
}

// EscapeSegment encodes a raw identity segment into a form valid as a
// single tree entry name. The encoding is injective: two distinct raw
// segments never share an escaped form, because '%' itself is always
// escaped. Collisions can therefore only arise from tree entries
// written outside this mapper; UnescapeSegment rejects those.
func EscapeSegment(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if needsEscape(c, i) {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xF])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// UnescapeSegment decodes an escaped tree entry name back to the raw
// segment. It fails on malformed escapes and on encodings that
// EscapeSegment would not have produced, so every stored name has
// exactly one raw form.
func UnescapeSegment(escaped string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(escaped); i++ {
		c := escaped[i]
		if c != '%' {
			if needsEscape(c, b.Len()) {
				return "", &InvalidIdentityError{
					Identity: escaped,
					Reason:   fmt.Sprintf("segment byte %#x at offset %d should be escaped", c, i),
				}
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(escaped) {
			return "", &InvalidIdentityError{Identity: escaped, Reason: "truncated escape sequence"}
		}
		hi, okHi := unhex(escaped[i+1])
		lo, okLo := unhex(escaped[i+2])
		if !okHi || !okLo {
			return "", &InvalidIdentityError{Identity: escaped, Reason: "malformed escape sequence"}
		}
		decoded := hi<<4 | lo
		if !needsEscape(decoded, b.Len()) {
			return "", &InvalidIdentityError{
				Identity: escaped,
				Reason:   fmt.Sprintf("non-canonical escape %%%c%c", escaped[i+1], escaped[i+2]),
			}
		}
		b.WriteByte(decoded)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
