package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// The backend streams transcript text in small fragments whose boundaries do
// not line up with words: a fragment may be a whole token (" estamos"), a
// sub-word piece ("rez"), a lone digit group ("000"), or a single punctuation
// mark. Merge joins one fragment onto the accumulated text, deciding whether
// a separating space is needed.

const (
	// currencySymbols are the symbols a numeric fragment may continue,
	// e.g. "$" + "500".
	currencySymbols = "$€£¥"

	// closingPunctuation binds to the preceding text with no space.
	closingPunctuation = ".,!?;:)-"

	// openingPunctuation binds to the following word: it is appended with
	// no space before it, and the next fragment attaches directly to it.
	openingPunctuation = "¿¡"
)

// Merge appends fragment to existing, inserting a space only where the
// fragment shape calls for one. It is pure and deterministic: the result
// depends only on its two arguments.
func Merge(existing, fragment string) string {
	if fragment == "" {
		return existing
	}
	if existing == "" {
		return strings.TrimSpace(fragment)
	}

	first, _ := utf8.DecodeRuneInString(fragment)

	// A leading space means the upstream already tokenized this as a new
	// word; the separator travels with the fragment.
	if unicode.IsSpace(first) {
		return existing + fragment
	}

	// Digit runs continue a larger numeral or currency literal only when
	// the preceding character says so; otherwise numbers are words.
	if isDigits(fragment) {
		last, _ := utf8.DecodeLastRuneInString(existing)
		if unicode.IsDigit(last) || last == ',' || strings.ContainsRune(currencySymbols, last) {
			return existing + fragment
		}
		return existing + " " + fragment
	}

	// Currency symbols, decimal points, and thousands-separator commas
	// bind to the preceding token.
	if strings.ContainsRune(currencySymbols+".,", first) {
		return existing + fragment
	}

	// Punctuation never gets a space before it. Opening marks additionally
	// cause the following word to attach directly, which the continuation
	// rule below handles on the next call.
	if isPunctuation(fragment) {
		return existing + fragment
	}

	// No whitespace on either side: a sub-word tokenization artifact
	// ("preg" + "unta"). There is no upstream contract guaranteeing
	// fragment granularity, so any unspaced alphabetic fragment joins
	// the previous word directly.
	return existing + fragment
}

// MergeAll folds Merge left to right over a fragment sequence.
func MergeAll(fragments []string) string {
	var out string
	for _, fragment := range fragments {
		out = Merge(out, fragment)
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isPunctuation(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(closingPunctuation+openingPunctuation, r) {
			return false
		}
	}
	return true
}
