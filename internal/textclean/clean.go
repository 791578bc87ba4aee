// Package textclean turns the rendered text of an article element into the
// form placed on the clipboard.
package textclean

import (
	"strings"
	"unicode"
)

// Marker is the trailing text appended by the site's bookmark widget.
const Marker = "Bookmark"

// isSpace mirrors the whitespace set used by String.prototype.trim, so text
// read from the page is trimmed the same way the page itself would.
func isSpace(r rune) bool {
	if r == '\uFEFF' {
		return true
	}
	return r != '\u0085' && unicode.IsSpace(r)
}

// IsBlank reports whether s is empty or whitespace only.
func IsBlank(s string) bool {
	return strings.TrimFunc(s, isSpace) == ""
}

// Normalize converts CRLF line endings to LF.
func Normalize(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// StripMarker trims trailing whitespace and, when the result ends with
// Marker, removes it once and trims the whitespace left in front of it.
func StripMarker(s string) string {
	s = strings.TrimRightFunc(s, isSpace)
	if !strings.HasSuffix(s, Marker) {
		return s
	}
	return strings.TrimRightFunc(strings.TrimSuffix(s, Marker), isSpace)
}

// Clean runs the full pipeline: normalize line endings, strip the trailing
// marker, trim, and terminate non-empty output with exactly one newline.
func Clean(raw string) string {
	s := Normalize(raw)
	s = StripMarker(s)
	s = strings.TrimFunc(s, isSpace)
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
