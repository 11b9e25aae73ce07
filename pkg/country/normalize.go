package country

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Letters that do not decompose under NFD.
var foldReplacer = strings.NewReplacer(
	"ß", "ss", "æ", "ae", "Æ", "ae", "ø", "o", "Ø", "o",
	"ł", "l", "Ł", "l", "đ", "d", "Đ", "d", "þ", "th", "ı", "i",
)

// Fold lowercases s and strips diacritics, so "Côte d'Ivoire" becomes
// "cote d'ivoire".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, foldReplacer.Replace(s))
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// Normalize returns the alias form of s: folded, lowercased, with every
// character outside [a-z0-9] removed. It is applied identically when the
// alias table is populated and when text is resolved.
func Normalize(s string) string {
	return tokenize(s).norm
}

// normalized is the alias form of a text plus the word boundaries of the
// original, expressed as offsets into norm.
type normalized struct {
	norm   string
	folded string
	// foldedAt[i] is the offset in folded of norm[i].
	foldedAt []int
	starts   map[int]bool
	ends     map[int]bool
}

func tokenize(s string) normalized {
	folded := Fold(s)
	n := normalized{
		folded: folded,
		starts: make(map[int]bool),
		ends:   make(map[int]bool),
	}

	var b strings.Builder
	inWord := false
	for i := 0; i < len(folded); i++ {
		c := folded[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			if !inWord {
				n.starts[b.Len()] = true
				inWord = true
			}
			b.WriteByte(c)
			n.foldedAt = append(n.foldedAt, i)
			continue
		}
		if inWord {
			n.ends[b.Len()] = true
			inWord = false
		}
	}
	if inWord {
		n.ends[b.Len()] = true
	}
	n.norm = b.String()
	return n
}

// aligned reports whether norm[start:end] covers whole words of the original.
func (n normalized) aligned(start, end int) bool {
	return n.starts[start] && n.ends[end]
}

// span returns the folded original text covered by norm[start:end].
func (n normalized) span(start, end int) string {
	if start >= end || end > len(n.foldedAt) {
		return ""
	}
	return n.folded[n.foldedAt[start] : n.foldedAt[end-1]+1]
}
