package auth

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify derives a URL-safe organization slug from a display name:
// diacritics stripped, lowercased, runs of anything non-alphanumeric
// collapsed to single hyphens.
func Slugify(name string) string {
	flat, _, err := transform.String(deaccent, name)
	if err != nil {
		flat = name
	}

	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(flat) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
