package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText trims surrounding whitespace and applies Unicode NFC so that
// visually identical strings are stored identically.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
