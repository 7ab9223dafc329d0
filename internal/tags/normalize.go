package tags

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	invalidChars = regexp.MustCompile(`[^\w\s.]`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Normalize turns a free-form tag into a tracker-safe one: diacritics are
// folded, punctuation other than '.' is dropped, the result is lowercased
// and runs of whitespace become a single '.'.
func Normalize(tag string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), tag)
	if err != nil {
		folded = tag
	}
	out := invalidChars.ReplaceAllString(folded, "")
	out = strings.ToLower(strings.TrimSpace(out))
	return whitespace.ReplaceAllString(out, ".")
}
