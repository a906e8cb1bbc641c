// Turkish-aware normalization, used by both stage 2's synonym expansion and
// (via internal/cache.NormalizeMessage) the response-cache fingerprint, so
// the two call sites agree on what "the same message" means.
package matcher

import (
	"strings"
	"unicode"
)

// diacriticFolds maps Turkish diacritics to their plain-ASCII
// counterparts: ç↔c, ğ↔g, ı↔i, ö↔o, ş↔s, ü↔u, plus the dotted İ.
var diacriticFolds = map[rune]rune{
	'ç': 'c', 'Ç': 'c',
	'ğ': 'g', 'Ğ': 'g',
	'ı': 'i', 'I': 'i',
	'ö': 'o', 'Ö': 'o',
	'ş': 's', 'Ş': 's',
	'ü': 'u', 'Ü': 'u',
	'İ': 'i',
}

// FoldDiacritics lowercases and folds Turkish diacritics to ASCII, so
// "İstanbul", "istanbul", and "ıstanbul" all normalize to "istanbul".
func FoldDiacritics(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if folded, ok := diacriticFolds[r]; ok {
			b.WriteRune(folded)
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// tokenize splits on whitespace/punctuation into a lowercased, diacritic-
// folded token slice. There is no stemmer beyond the synonym dictionary.
func tokenize(s string) []string {
	folded := FoldDiacritics(s)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}
